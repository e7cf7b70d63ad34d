// Package broadcast sends one probe message to every armed waiter over a
// single reused SMTP submission session.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/idleprobe/internal/eventlog"
	"github.com/roach88/idleprobe/internal/mailproto"
	"github.com/roach88/idleprobe/internal/model"
	"github.com/roach88/idleprobe/internal/progress"
)

const (
	DefaultSendTimeout   = 60 * time.Second
	DefaultSlowThreshold = time.Second
)

// Session is the submission surface the sender drives.
// *mailproto.SubmitConn implements it.
type Session interface {
	Auth(user, pass string) error
	Send(from string, to []string, msg []byte) error
	Quit() error
	Close() error
}

var _ Session = (*mailproto.SubmitConn)(nil)

// DialFunc opens a submission session.
type DialFunc func(ctx context.Context) (Session, error)

// SMTPDialer dials addr with mailproto.
func SMTPDialer(addr string, timeout time.Duration) DialFunc {
	return func(ctx context.Context) (Session, error) {
		return mailproto.DialSubmit(ctx, addr, timeout)
	}
}

// Recipient is one armed waiter's address.
type Recipient struct {
	ClientID int
	Address  string
}

// SendRecord is the outcome of one send.
type SendRecord struct {
	ClientID  int                 `json:"client_id"`
	Recipient string              `json:"recipient"`
	OK        bool                `json:"ok"`
	Retried   bool                `json:"retried"`
	Latency   time.Duration       `json:"latency"`
	Category  model.ErrorCategory `json:"category,omitempty"`
	Err       string              `json:"error,omitempty"`
}

// SendError is a send that still failed after one reconnect.
type SendError struct {
	ClientID  int
	Recipient string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s (client %d): %v", e.Recipient, e.ClientID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Result is the outcome of a broadcast.
type Result struct {
	Marker  string
	Records []SendRecord
	Errors  []*SendError
	Stats   model.SendStats
}

// Config tunes the sender.
type Config struct {
	Subject       string
	SlowThreshold time.Duration
}

// Sender owns the SMTP session for the duration of a broadcast.
type Sender struct {
	dial    DialFunc
	from    model.Identity
	cfg     Config
	message *Template
	markers MarkerSource
	logger  *slog.Logger
	board   *progress.Board
	events  *eventlog.Emitter
	session Session
	dials   int
}

// New creates a sender that authenticates as from. message, markers, board
// and events may be nil.
func New(dial DialFunc, from model.Identity, cfg Config, message *Template, markers MarkerSource, logger *slog.Logger, board *progress.Board, events *eventlog.Emitter) *Sender {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = DefaultSlowThreshold
	}
	if message == nil {
		message = DefaultMessage()
	}
	if markers == nil {
		markers = UUIDMarkers{}
	}
	return &Sender{
		dial:    dial,
		from:    from,
		cfg:     cfg,
		message: message,
		markers: markers,
		logger:  logger.With("component", "broadcast"),
		board:   board,
		events:  events,
	}
}

// Broadcast sends one message to each recipient, in order. A failed send
// reconnects once and retries; a second failure is recorded and the batch
// continues. Cancelling ctx stops the batch; remaining recipients are
// recorded as failed.
func (s *Sender) Broadcast(ctx context.Context, recipients []Recipient) (*Result, error) {
	res := &Result{Marker: s.markers.NewMarker()}
	tracker := s.board.Begin("broadcast", len(recipients))
	defer tracker.Finish()
	defer s.close()

	s.logger.Info("broadcasting", "recipients", len(recipients), "marker", res.Marker)

	var latencies []time.Duration
	for _, rcpt := range recipients {
		msg, err := s.message.Render(MessageData{
			From:      s.from.Address,
			To:        rcpt.Address,
			Subject:   s.cfg.Subject,
			MessageID: res.Marker,
			Date:      formatDate(time.Now()),
		})
		if err != nil {
			return nil, err
		}

		rec := s.sendOne(ctx, rcpt, msg)
		res.Records = append(res.Records, rec)
		tracker.Add(rec.OK)

		if rec.Retried {
			res.Stats.Retried++
		}
		if !rec.OK {
			res.Stats.Failed++
			res.Errors = append(res.Errors, &SendError{ClientID: rcpt.ClientID, Recipient: rcpt.Address, Err: errors.New(rec.Err)})
			s.events.Emit(eventlog.KindSend, rcpt.ClientID, "failed: "+rec.Err)
			continue
		}
		res.Stats.Sent++
		latencies = append(latencies, rec.Latency)
		if rec.Latency > s.cfg.SlowThreshold {
			res.Stats.SlowSends++
		}
		s.events.Emit(eventlog.KindSend, rcpt.ClientID, "ok")
	}

	res.Stats.Latency = model.NewTimingStat(latencies)
	if res.Stats.SlowSends > 0 {
		s.logger.Warn("slow sends", "count", res.Stats.SlowSends, "threshold", s.cfg.SlowThreshold)
	}
	s.logger.Info("broadcast finished",
		"sent", res.Stats.Sent,
		"failed", res.Stats.Failed,
		"retried", res.Stats.Retried,
		"avg", res.Stats.Latency.Avg.Round(time.Millisecond),
		"max", res.Stats.Latency.Max.Round(time.Millisecond),
	)
	return res, nil
}

func (s *Sender) sendOne(ctx context.Context, rcpt Recipient, msg []byte) SendRecord {
	rec := SendRecord{ClientID: rcpt.ClientID, Recipient: rcpt.Address}
	start := time.Now()

	err := s.trySend(ctx, rcpt, msg)
	if err != nil && ctx.Err() == nil {
		s.logger.Debug("send failed, reconnecting", "recipient", rcpt.Address, "error", err)
		rec.Retried = true
		s.drop()
		err = s.trySend(ctx, rcpt, msg)
	}
	rec.Latency = time.Since(start)

	if err != nil {
		rec.Category = mailproto.CategoryOf(err)
		rec.Err = err.Error()
		s.drop()
		return rec
	}
	rec.OK = true
	return rec
}

func (s *Sender) trySend(ctx context.Context, rcpt Recipient, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.session == nil {
		if err := s.connect(ctx); err != nil {
			return err
		}
	}
	return s.session.Send(s.from.Address, []string{rcpt.Address}, msg)
}

func (s *Sender) connect(ctx context.Context) error {
	sess, err := s.dial(ctx)
	if err != nil {
		return err
	}
	if err := sess.Auth(s.from.Principal, s.from.Secret); err != nil {
		sess.Close()
		return err
	}
	s.session = sess
	s.dials++
	return nil
}

func (s *Sender) drop() {
	if s.session != nil {
		s.session.Close()
		s.session = nil
	}
}

func (s *Sender) close() {
	if s.session != nil {
		_ = s.session.Quit()
		s.session = nil
	}
}

// Connections returns how many sessions the sender has opened.
func (s *Sender) Connections() int {
	return s.dials
}
