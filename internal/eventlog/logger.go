package eventlog

import (
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Logger receives run events. Implementations must be safe for concurrent
// use; Log must not block on anything slower than a local write.
type Logger interface {
	Log(e Event)
}

// NoopLogger discards all events. Usable as a zero value.
type NoopLogger struct{}

// Log discards the event.
func (NoopLogger) Log(Event) {}

var _ Logger = NoopLogger{}

// FileLogger appends CBOR events to a file.
type FileLogger struct {
	mu      sync.Mutex
	file    *os.File
	encoder *cbor.Encoder
	closed  bool
}

// NewFileLogger opens path for appending, creating it with mode 0644.
func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileLogger{file: f, encoder: newEncoder(f)}, nil
}

// Log writes e. Encoding errors are dropped; the event log never fails a run.
func (l *FileLogger) Log(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	_ = l.encoder.Encode(e)
}

// Close closes the file. Later Log calls are ignored.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

var _ Logger = (*FileLogger)(nil)

// Recorder keeps events in memory. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Log appends e.
func (r *Recorder) Log(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

var _ Logger = (*Recorder)(nil)

// Emitter stamps events with a run ID, phase and timestamp before passing
// them on. The zero value discards events.
type Emitter struct {
	Logger Logger
	RunID  string
	Now    func() time.Time

	mu    sync.Mutex
	phase string
}

// SetPhase changes the phase stamped on later events.
func (em *Emitter) SetPhase(phase string) {
	em.mu.Lock()
	em.phase = phase
	em.mu.Unlock()
}

// Emit logs an event of kind k for client.
func (em *Emitter) Emit(k Kind, client int, detail string) {
	em.emit(Event{Kind: k, ClientID: client, Detail: detail})
}

// Transition logs a state change for client.
func (em *Emitter) Transition(client int, from, to, detail string) {
	em.emit(Event{Kind: KindState, ClientID: client, From: from, To: to, Detail: detail})
}

func (em *Emitter) emit(e Event) {
	if em == nil || em.Logger == nil {
		return
	}
	now := time.Now
	if em.Now != nil {
		now = em.Now
	}
	em.mu.Lock()
	e.Phase = em.phase
	em.mu.Unlock()
	e.Timestamp = now()
	e.RunID = em.RunID
	em.Logger.Log(e)
}
