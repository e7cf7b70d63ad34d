package env

import (
	"context"
	"errors"
	"net"
	"time"
)

// Backoff is an exponential probe schedule: Base * 2^attempt, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff probes quickly at first and settles at 2s.
var DefaultBackoff = Backoff{Base: 50 * time.Millisecond, Max: 2 * time.Second}

const probeTimeout = 500 * time.Millisecond

var errExited = errors.New("server process exited")

// WaitReady probes every address until all accept a TCP connection.
// It fails with a *ReadinessError when timeout elapses, ctx ends, or exited
// is closed (the process died). exited may be nil.
func WaitReady(ctx context.Context, addrs []string, timeout time.Duration, b Backoff, exited <-chan struct{}) error {
	if b.Base <= 0 {
		b = DefaultBackoff
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pending := append([]string(nil), addrs...)
	for attempt := 0; ; attempt++ {
		pending = probe(ctx, pending)
		if len(pending) == 0 {
			return nil
		}

		delay := b.Max
		if attempt < 30 {
			delay = min(b.Base<<uint(attempt), b.Max)
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-exited:
			timer.Stop()
			return &ReadinessError{Pending: pending, Elapsed: time.Since(start), Err: errExited}
		case <-ctx.Done():
			timer.Stop()
			return &ReadinessError{Pending: pending, Elapsed: time.Since(start), Err: ctx.Err()}
		}
	}
}

// probe returns the addresses that did not accept a connection.
func probe(ctx context.Context, addrs []string) []string {
	var pending []string
	d := net.Dialer{Timeout: probeTimeout}
	for _, addr := range addrs {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			pending = append(pending, addr)
			continue
		}
		conn.Close()
	}
	return pending
}

// freePorts reserves n distinct loopback ports and releases them.
func freePorts(n int) ([]int, error) {
	ports := make([]int, 0, n)
	listeners := make([]net.Listener, 0, n)
	defer func() {
		for _, ln := range listeners {
			ln.Close()
		}
	}()
	for i := 0; i < n; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, ln)
		ports = append(ports, ln.Addr().(*net.TCPAddr).Port)
	}
	return ports, nil
}
