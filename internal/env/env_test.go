package env

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/idleprobe/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var fastBackoff = Backoff{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond}

func listen(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return ln.Addr().String()
}

// closedAddr returns a loopback address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestWaitReady_AllListening(t *testing.T) {
	addrs := []string{listen(t), listen(t)}
	err := WaitReady(context.Background(), addrs, time.Second, fastBackoff, nil)
	require.NoError(t, err)
}

func TestWaitReady_ListenerAppearsLate(t *testing.T) {
	addr := closedAddr(t)
	go func() {
		time.Sleep(50 * time.Millisecond)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return
		}
		t.Cleanup(func() { ln.Close() })
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	err := WaitReady(context.Background(), []string{addr}, 5*time.Second, fastBackoff, nil)
	require.NoError(t, err)
}

func TestWaitReady_Timeout(t *testing.T) {
	up := listen(t)
	down := closedAddr(t)

	err := WaitReady(context.Background(), []string{up, down}, 100*time.Millisecond, fastBackoff, nil)
	require.Error(t, err)
	assert.True(t, IsReadinessError(err))

	var re *ReadinessError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, []string{down}, re.Pending)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), down)
}

func TestWaitReady_ProcessExited(t *testing.T) {
	exited := make(chan struct{})
	close(exited)

	err := WaitReady(context.Background(), []string{closedAddr(t)}, 5*time.Second, fastBackoff, exited)
	require.Error(t, err)
	assert.ErrorIs(t, err, errExited)
}

func TestWaitReady_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WaitReady(ctx, []string{closedAddr(t)}, 5*time.Second, fastBackoff, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFreePorts(t *testing.T) {
	ports, err := freePorts(3)
	require.NoError(t, err)
	require.Len(t, ports, 3)
	assert.NotEqual(t, ports[0], ports[1])
	assert.NotEqual(t, ports[1], ports[2])
	assert.NotEqual(t, ports[0], ports[2])
}

func TestStatic_Start(t *testing.T) {
	ep := model.Endpoints{SubmitAddr: listen(t), RetrieveAddr: listen(t), Domain: "example.org"}
	s := NewStatic(ep, time.Second, discardLogger())
	s.backoff = fastBackoff

	got, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ep, got)
	assert.NoError(t, s.Stop(context.Background()))
}

func TestStatic_Unreachable(t *testing.T) {
	ep := model.Endpoints{SubmitAddr: listen(t), RetrieveAddr: listen(t), HTTPAddr: closedAddr(t)}
	s := NewStatic(ep, 100*time.Millisecond, discardLogger())
	s.backoff = fastBackoff

	_, err := s.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsReadinessError(err))
}

func TestStatic_Unsupported(t *testing.T) {
	s := NewStatic(model.Endpoints{}, 0, discardLogger())

	_, err := s.Stats(context.Background())
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = s.Exec(context.Background(), "creds", "list")
	assert.ErrorIs(t, err, ErrUnsupported)
}
