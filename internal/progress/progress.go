// Package progress counts completed work per harness phase, logs it at a
// fixed cadence and optionally streams it to websocket clients.
package progress

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is the logging cadence when none is configured.
const DefaultInterval = 5 * time.Second

// Snapshot is a point-in-time view of one phase.
type Snapshot struct {
	Phase     string        `json:"phase"`
	Total     int           `json:"total"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Rate      float64       `json:"rate_per_sec"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Board owns the tracker of the active phase.
type Board struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	current *Tracker
}

// NewBoard creates a board that logs every interval (0 = DefaultInterval).
func NewBoard(logger *slog.Logger, interval time.Duration) *Board {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Board{logger: logger, interval: interval, now: time.Now}
}

// Begin starts tracking a phase of total units. The returned tracker logs
// at the board's cadence until Finish is called. A nil board yields a
// tracker that only counts.
func (b *Board) Begin(phase string, total int) *Tracker {
	if b == nil {
		return &Tracker{phase: phase, total: total, start: time.Now(), now: time.Now}
	}

	t := &Tracker{
		phase:  phase,
		total:  total,
		start:  b.now(),
		now:    b.now,
		logger: b.logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.current = t
	b.mu.Unlock()

	go t.loop(b.interval)
	return t
}

// Current returns a snapshot of the active phase, if any.
func (b *Board) Current() (Snapshot, bool) {
	if b == nil {
		return Snapshot{}, false
	}
	b.mu.Lock()
	t := b.current
	b.mu.Unlock()
	if t == nil {
		return Snapshot{}, false
	}
	return t.Snapshot(), true
}

// Tracker counts completions for one phase.
type Tracker struct {
	phase  string
	total  int
	start  time.Time
	now    func() time.Time
	logger *slog.Logger

	completed atomic.Int64
	failed    atomic.Int64

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Add records one completed unit.
func (t *Tracker) Add(ok bool) {
	t.completed.Add(1)
	if !ok {
		t.failed.Add(1)
	}
}

// Snapshot returns the current counters.
func (t *Tracker) Snapshot() Snapshot {
	elapsed := t.now().Sub(t.start)
	completed := int(t.completed.Load())
	s := Snapshot{
		Phase:     t.phase,
		Total:     t.total,
		Completed: completed,
		Failed:    int(t.failed.Load()),
		Elapsed:   elapsed,
	}
	if elapsed > 0 {
		s.Rate = float64(completed) / elapsed.Seconds()
	}
	return s
}

// Finish stops cadence logging and logs the final counters.
func (t *Tracker) Finish() Snapshot {
	if t.stop != nil {
		t.stopOnce.Do(func() {
			close(t.stop)
			<-t.done
		})
	}
	s := t.Snapshot()
	if t.logger != nil {
		t.logger.Info("phase complete",
			"phase", s.Phase,
			"completed", s.Completed,
			"failed", s.Failed,
			"elapsed", s.Elapsed.Round(time.Millisecond),
		)
	}
	return s
}

func (t *Tracker) loop(interval time.Duration) {
	defer close(t.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s := t.Snapshot()
			if t.logger != nil {
				t.logger.Info("progress",
					"phase", s.Phase,
					"completed", s.Completed,
					"total", s.Total,
					"failed", s.Failed,
					"rate", s.Rate,
				)
			}
		case <-t.stop:
			return
		}
	}
}
