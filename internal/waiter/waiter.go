package waiter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/idleprobe/internal/eventlog"
	"github.com/roach88/idleprobe/internal/mailproto"
	"github.com/roach88/idleprobe/internal/model"
)

const (
	DefaultConfirmTimeout = 10 * time.Second
	DefaultIdleRead       = 120 * time.Second
	DefaultJoinTimeout    = 2 * time.Second

	// doneGrace bounds the DONE sent when a waiter stops without a
	// notification.
	doneGrace = time.Second
)

// State is a waiter lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
	StateArmed        State = "armed"
	StateNotified     State = "notified"
	StateTimedOut     State = "timed-out"
	StateClassified   State = "classified"
)

// ErrNotNotified is returned by Verify when the waiter was never notified.
var ErrNotNotified = errors.New("waiter was not notified")

// Session is the IMAP surface a waiter drives. *mailproto.IMAPConn
// implements it.
type Session interface {
	Login(user, pass string) error
	Select(mailbox string) (int, error)
	Idle(timeout time.Duration) error
	ReadUntagged(timeout time.Duration) (string, error)
	Done() error
	DoneWithin(timeout time.Duration) error
	SearchAll() ([]uint32, error)
	Fetch(seq uint32) ([]byte, error)
	Logout() error
	Close() error
}

var _ Session = (*mailproto.IMAPConn)(nil)

// DialFunc opens a new session.
type DialFunc func(ctx context.Context) (Session, error)

// IMAPDialer dials addr with mailproto.
func IMAPDialer(addr string, timeout time.Duration) DialFunc {
	return func(ctx context.Context) (Session, error) {
		return mailproto.DialIMAP(ctx, addr, timeout)
	}
}

// Config tunes a waiter.
type Config struct {
	// ConfirmTimeout bounds the wait for the IDLE continuation.
	ConfirmTimeout time.Duration

	// IdleRead bounds one blocking read while idling. Reads are re-issued
	// until notification, Stop or Deadline.
	IdleRead time.Duration

	// Deadline bounds the armed lifetime, measured from arming.
	// Zero means the waiter stays armed until Stop.
	Deadline time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = DefaultConfirmTimeout
	}
	if c.IdleRead <= 0 {
		c.IdleRead = DefaultIdleRead
	}
	return c
}

// ArmError means the waiter never joined the armed population.
type ArmError struct {
	ClientID int
	Step     string
	Err      error
}

func (e *ArmError) Error() string {
	return fmt.Sprintf("waiter %d: %s: %v", e.ClientID, e.Step, e.Err)
}

func (e *ArmError) Unwrap() error { return e.Err }

// IsArmError reports whether err is an *ArmError.
func IsArmError(err error) bool {
	var ae *ArmError
	return errors.As(err, &ae)
}

// Waiter is one armed long-poll session.
type Waiter struct {
	clientID int
	identity model.Identity
	dial     DialFunc
	cfg      Config
	logger   *slog.Logger
	events   *eventlog.Emitter

	session Session
	armedAt time.Time
	started bool

	mu    sync.Mutex
	state State

	running  atomic.Bool
	signal   chan struct{}
	exited   chan struct{}
	stopOnce sync.Once

	// Written by the background goroutine before signal is closed.
	capture model.WaiterSnapshot
}

// New creates a disconnected waiter. events may be nil.
func New(clientID int, identity model.Identity, dial DialFunc, cfg Config, logger *slog.Logger, events *eventlog.Emitter) *Waiter {
	return &Waiter{
		clientID: clientID,
		identity: identity,
		dial:     dial,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "waiter", "client", clientID),
		events:   events,
		state:    StateDisconnected,
		signal:   make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

// ClientID returns the waiter's client ID.
func (w *Waiter) ClientID() int { return w.clientID }

// Identity returns the identity the waiter logs in as.
func (w *Waiter) Identity() model.Identity { return w.identity }

// State returns the current lifecycle state.
func (w *Waiter) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Waiter) transition(to State, detail string) {
	w.mu.Lock()
	from := w.state
	w.state = to
	w.mu.Unlock()
	w.logger.Debug("waiter state", "from", from, "to", to, "detail", detail)
	w.events.Transition(w.clientID, string(from), string(to), detail)
}

// Connect dials the retrieve endpoint, logs in and selects INBOX.
// Failure leaves the waiter classified and outside the armed population.
func (w *Waiter) Connect(ctx context.Context) error {
	s, err := w.dial(ctx)
	if err != nil {
		return w.armFailed("connect", err)
	}
	w.session = s
	if err := s.Login(w.identity.Principal, w.identity.Secret); err != nil {
		return w.armFailed("login", err)
	}
	if _, err := s.Select("INBOX"); err != nil {
		return w.armFailed("select", err)
	}
	w.transition(StateConnected, "")
	return nil
}

// Arm enters IDLE and waits for the continuation. On success the session
// is handed to the background goroutine.
func (w *Waiter) Arm() error {
	if w.session == nil {
		return w.armFailed("idle", errors.New("not connected"))
	}
	if err := w.session.Idle(w.cfg.ConfirmTimeout); err != nil {
		return w.armFailed("idle", err)
	}

	w.armedAt = time.Now()
	w.started = true
	w.running.Store(true)
	w.transition(StateArmed, "")
	go w.loop(w.armedAt)
	return nil
}

func (w *Waiter) armFailed(step string, err error) error {
	if w.session != nil {
		w.session.Close()
	}
	w.transition(StateClassified, "arm failed at "+step)
	return &ArmError{ClientID: w.clientID, Step: step, Err: err}
}

func (w *Waiter) loop(armedAt time.Time) {
	defer close(w.exited)

	var deadline time.Time
	if w.cfg.Deadline > 0 {
		deadline = armedAt.Add(w.cfg.Deadline)
	}

	for w.running.Load() {
		readFor := w.cfg.IdleRead
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				w.timeOut("waiter deadline elapsed", true)
				return
			}
			readFor = min(readFor, remaining)
		}

		line, err := w.session.ReadUntagged(readFor)
		if err != nil {
			if mailproto.IsTimeout(err) {
				continue
			}
			w.timeOut(err.Error(), false)
			return
		}
		if _, ok := mailproto.ParseExists(line); ok {
			w.notified(line)
			return
		}
	}
	w.timeOut("stopped before notification", true)
}

// notified runs the immediate post-notification fetch and fires the signal.
func (w *Waiter) notified(line string) {
	w.capture.Notified = true
	w.capture.NotifiedAt = time.Now()
	w.capture.ExistsLine = line

	payload, perr := w.fetchNewest()
	if perr != nil {
		w.capture.FetchErr = perr
	} else {
		w.capture.Payload = payload
	}

	detail := line
	if perr != nil {
		detail = perr.Error()
	}
	w.transition(StateNotified, detail)
	close(w.signal)
}

func (w *Waiter) fetchNewest() ([]byte, *model.ProbeError) {
	s := w.session
	if err := s.Done(); err != nil {
		return nil, probeError("done", err)
	}
	if _, err := s.Select("INBOX"); err != nil {
		return nil, probeError("select", err)
	}
	ids, err := s.SearchAll()
	if err != nil {
		return nil, probeError("search", err)
	}
	if len(ids) == 0 {
		return nil, &model.ProbeError{Step: "search", Category: model.CatNoItems, Message: "no messages found after EXISTS"}
	}
	newest := ids[0]
	for _, id := range ids[1:] {
		newest = max(newest, id)
	}
	body, err := s.Fetch(newest)
	if err != nil {
		return nil, probeError("fetch", err)
	}
	return body, nil
}

func probeError(step string, err error) *model.ProbeError {
	return &model.ProbeError{Step: step, Category: mailproto.CategoryOf(err), Message: err.Error()}
}

func (w *Waiter) timeOut(reason string, leaveIdle bool) {
	w.capture.TimeoutErr = reason
	if leaveIdle {
		_ = w.session.DoneWithin(doneGrace)
	}
	w.transition(StateTimedOut, reason)
	close(w.signal)
}

// Wait blocks until the background goroutine fires its signal, timeout
// elapses or ctx is done. Without a signal it returns Notified=false and
// does not read anything the background goroutine writes.
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration) model.WaiterSnapshot {
	base := model.WaiterSnapshot{
		ClientID:  w.clientID,
		Principal: w.identity.Principal,
		Armed:     w.started,
		ArmedAt:   w.armedAt,
	}
	if !w.started {
		base.TimeoutErr = "never armed"
		return base
	}

	if w.signalled() {
		return w.snapshot(base)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.signal:
		return w.snapshot(base)
	case <-timer.C:
		base.TimeoutErr = fmt.Sprintf("no notification within %s", timeout)
	case <-ctx.Done():
		base.TimeoutErr = fmt.Sprintf("wait cancelled: %v", ctx.Err())
	}
	// select picks randomly among ready cases; a signal that is already
	// closed takes precedence.
	if w.signalled() {
		return w.snapshot(base)
	}
	return base
}

// snapshot copies the capture once the signal has fired.
func (w *Waiter) snapshot(base model.WaiterSnapshot) model.WaiterSnapshot {
	snap := w.capture
	snap.ClientID = base.ClientID
	snap.Principal = base.Principal
	snap.Armed = true
	snap.ArmedAt = base.ArmedAt
	return snap
}

func (w *Waiter) signalled() bool {
	select {
	case <-w.signal:
		return true
	default:
		return false
	}
}

// Verify re-fetches every message in INBOX and reports whether one of them
// contains marker. Only valid after a notified signal.
func (w *Waiter) Verify(marker string) (bool, error) {
	if !w.signalled() || !w.capture.Notified {
		return false, ErrNotNotified
	}
	s := w.session
	if _, err := s.Select("INBOX"); err != nil {
		return false, err
	}
	ids, err := s.SearchAll()
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		body, err := s.Fetch(id)
		if err != nil {
			return false, err
		}
		if bytes.Contains(body, []byte(marker)) {
			return true, nil
		}
	}
	return false, nil
}

// Classified records the final outcome of the waiter.
func (w *Waiter) Classified(outcome model.Outcome) {
	w.transition(StateClassified, string(outcome))
}

// Stop clears the run flag and joins the background goroutine for up to
// join. A joined waiter logs out; otherwise the socket is closed, which
// unblocks any pending read. Safe to call more than once.
func (w *Waiter) Stop(join time.Duration) {
	w.stopOnce.Do(func() {
		if w.session == nil {
			return
		}
		if !w.started {
			if w.State() == StateConnected {
				_ = w.session.Logout()
			}
			w.session.Close()
			return
		}

		w.running.Store(false)
		timer := time.NewTimer(join)
		defer timer.Stop()
		select {
		case <-w.exited:
			_ = w.session.Logout()
			w.session.Close()
		case <-timer.C:
			w.logger.Debug("waiter did not exit in time, closing socket")
			w.session.Close()
		}
	})
}
