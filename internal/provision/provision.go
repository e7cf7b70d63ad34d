// Package provision establishes identities against the target server
// through a bounded worker pool.
//
// Every attempt performs two sequential round trips: submit (SMTP connect,
// AUTH PLAIN, QUIT) then retrieve (IMAP connect, LOGIN, LOGOUT). Servers that
// auto-create accounts on first login create the account during the first
// round trip. Failures are recorded per identity and never stop the pool.
package provision

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/idleprobe/internal/eventlog"
	"github.com/roach88/idleprobe/internal/mailproto"
	"github.com/roach88/idleprobe/internal/model"
	"github.com/roach88/idleprobe/internal/progress"
)

const (
	DefaultWorkers       = 5
	DefaultCallTimeout   = 30 * time.Second
	DefaultSlowThreshold = 5 * time.Second
)

// Config tunes the pool.
type Config struct {
	// Workers bounds concurrent attempts. The backing store of typical
	// targets serializes account creation, so more workers only add
	// lock contention.
	Workers int

	// CallTimeout bounds each connect and login step.
	CallTimeout time.Duration

	// SlowThreshold is the login duration above which a warning is logged.
	SlowThreshold time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.SlowThreshold <= 0 {
		c.SlowThreshold = DefaultSlowThreshold
	}
	return c
}

// Attempt is the record of one identity's provisioning.
type Attempt struct {
	Identity model.Identity      `json:"identity"`
	OK       bool                `json:"ok"`
	Step     string              `json:"step,omitempty"`
	Category model.ErrorCategory `json:"category,omitempty"`
	Err      string              `json:"error,omitempty"`

	SubmitConnect   time.Duration `json:"submit_connect"`
	SubmitLogin     time.Duration `json:"submit_login"`
	RetrieveConnect time.Duration `json:"retrieve_connect"`
	RetrieveLogin   time.Duration `json:"retrieve_login"`
}

// Result holds one Attempt per requested identity, in request order.
type Result struct {
	Attempts []Attempt
	Stats    model.ProvisionStats
}

// Provisioned returns the identities whose attempts succeeded, in order.
func (r *Result) Provisioned() []model.Identity {
	var out []model.Identity
	for _, a := range r.Attempts {
		if a.OK {
			out = append(out, a.Identity)
		}
	}
	return out
}

// Failures returns the failed attempts.
func (r *Result) Failures() []Attempt {
	var out []Attempt
	for _, a := range r.Attempts {
		if !a.OK {
			out = append(out, a)
		}
	}
	return out
}

// Provisioner runs attempts against one target.
type Provisioner struct {
	endpoints model.Endpoints
	cfg       Config
	logger    *slog.Logger
	board     *progress.Board
	events    *eventlog.Emitter
}

// New creates a Provisioner. board and events may be nil.
func New(endpoints model.Endpoints, cfg Config, logger *slog.Logger, board *progress.Board, events *eventlog.Emitter) *Provisioner {
	return &Provisioner{
		endpoints: endpoints,
		cfg:       cfg.withDefaults(),
		logger:    logger.With("component", "provision"),
		board:     board,
		events:    events,
	}
}

// Provision attempts every identity through the pool and returns when all
// attempts have finished or ctx is cancelled. Cancelled attempts are
// recorded as failures.
func (p *Provisioner) Provision(ctx context.Context, ids []model.Identity) *Result {
	res := &Result{Attempts: make([]Attempt, len(ids))}
	tracker := p.board.Begin("provision", len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for i, id := range ids {
		g.Go(func() error {
			a := p.ProvisionOne(gctx, id)
			res.Attempts[i] = a
			tracker.Add(a.OK)
			return nil
		})
	}
	_ = g.Wait()
	tracker.Finish()

	res.Stats = p.stats(res.Attempts)
	p.logger.Info("provisioning finished",
		"requested", res.Stats.Requested,
		"provisioned", res.Stats.Provisioned,
		"failed", res.Stats.Failed,
		"slow_logins", res.Stats.SlowLogins,
	)
	return res
}

// ProvisionOne runs the two round trips for id.
func (p *Provisioner) ProvisionOne(ctx context.Context, id model.Identity) Attempt {
	a := Attempt{Identity: id}
	fail := func(step string, err error) Attempt {
		a.Step = step
		a.Category = mailproto.CategoryOf(err)
		a.Err = err.Error()
		p.logger.Debug("provisioning failed", "identity", id.Principal, "step", step, "error", err)
		p.events.Emit(eventlog.KindProvision, id.Index, fmt.Sprintf("failed at %s: %v", step, err))
		return a
	}

	if err := ctx.Err(); err != nil {
		return fail("start", err)
	}

	start := time.Now()
	sc, err := mailproto.DialSubmit(ctx, p.endpoints.SubmitAddr, p.cfg.CallTimeout)
	a.SubmitConnect = time.Since(start)
	if err != nil {
		return fail("submit-connect", err)
	}
	start = time.Now()
	err = sc.Auth(id.Principal, id.Secret)
	a.SubmitLogin = time.Since(start)
	if err != nil {
		sc.Close()
		return fail("submit-login", err)
	}
	_ = sc.Quit()

	start = time.Now()
	ic, err := mailproto.DialIMAP(ctx, p.endpoints.RetrieveAddr, p.cfg.CallTimeout)
	a.RetrieveConnect = time.Since(start)
	if err != nil {
		return fail("retrieve-connect", err)
	}
	start = time.Now()
	err = ic.Login(id.Principal, id.Secret)
	a.RetrieveLogin = time.Since(start)
	if err != nil {
		ic.Close()
		return fail("retrieve-login", err)
	}
	_ = ic.Logout()
	ic.Close()

	if a.SubmitLogin > p.cfg.SlowThreshold || a.RetrieveLogin > p.cfg.SlowThreshold {
		p.logger.Warn("slow login",
			"identity", id.Principal,
			"submit_login", a.SubmitLogin.Round(time.Millisecond),
			"retrieve_login", a.RetrieveLogin.Round(time.Millisecond),
		)
	}

	a.OK = true
	p.events.Emit(eventlog.KindProvision, id.Index, "ok")
	return a
}

func (p *Provisioner) stats(attempts []Attempt) model.ProvisionStats {
	var sc, sl, rc, rl []time.Duration
	st := model.ProvisionStats{Requested: len(attempts)}
	for _, a := range attempts {
		if !a.OK {
			st.Failed++
			continue
		}
		st.Provisioned++
		sc = append(sc, a.SubmitConnect)
		sl = append(sl, a.SubmitLogin)
		rc = append(rc, a.RetrieveConnect)
		rl = append(rl, a.RetrieveLogin)
		if a.SubmitLogin > p.cfg.SlowThreshold || a.RetrieveLogin > p.cfg.SlowThreshold {
			st.SlowLogins++
		}
	}
	st.SubmitConnect = model.NewTimingStat(sc)
	st.SubmitLogin = model.NewTimingStat(sl)
	st.RetrieveConnect = model.NewTimingStat(rc)
	st.RetrieveLogin = model.NewTimingStat(rl)
	return st
}
