package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/idleprobe/internal/broadcast"
	"github.com/roach88/idleprobe/internal/classify"
	"github.com/roach88/idleprobe/internal/env"
	"github.com/roach88/idleprobe/internal/eventlog"
	"github.com/roach88/idleprobe/internal/mailproto"
	"github.com/roach88/idleprobe/internal/model"
	"github.com/roach88/idleprobe/internal/progress"
	"github.com/roach88/idleprobe/internal/provision"
	"github.com/roach88/idleprobe/internal/report"
	"github.com/roach88/idleprobe/internal/store"
	"github.com/roach88/idleprobe/internal/waiter"
)

// Options carries the collaborators of a Controller. Every field is
// optional.
type Options struct {
	Logger *slog.Logger

	// Board receives progress for the long phases.
	Board *progress.Board

	// Events receives the structured event stream.
	Events eventlog.Logger

	// Store persists the run after teardown.
	Store *store.Store

	// Identities generates credentials. Default RandomIdentities.
	Identities IdentitySource

	// Markers and Message configure the broadcast message.
	Markers broadcast.MarkerSource
	Message *broadcast.Template

	// RunID overrides the generated UUIDv7 run ID.
	RunID string

	// Now overrides the wall clock for run timestamps and phase timing.
	Now func() time.Time
}

// Controller drives one run against a target environment.
type Controller struct {
	env     env.TargetEnvironment
	profile Profile
	opts    Options
	logger  *slog.Logger
	events  *eventlog.Emitter
	now     func() time.Time

	// Every waiter created during the arm phase, armed or not, so teardown
	// can release their connections.
	waiters []*waiter.Waiter
}

// New creates a Controller. The profile should already be validated.
func New(target env.TargetEnvironment, profile Profile, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Identities == nil {
		opts.Identities = RandomIdentities()
	}
	if opts.RunID == "" {
		opts.RunID = uuid.Must(uuid.NewV7()).String()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		env:     target,
		profile: profile,
		opts:    opts,
		logger:  opts.Logger.With("run", opts.RunID),
		events:  &eventlog.Emitter{Logger: opts.Events, RunID: opts.RunID, Now: opts.Now},
		now:     opts.Now,
	}
}

// Run executes every phase in order. Each phase gates the next; the first
// unrecoverable failure skips the remaining phases and is returned as a
// *PhaseError. Teardown and persistence run on every path.
//
// A failed verdict is not an error: the returned result's Report carries
// it. The result is never nil.
func (c *Controller) Run(ctx context.Context) (res *RunResult, err error) {
	res = &RunResult{
		RunID:     c.opts.RunID,
		Profile:   c.profile.Name,
		Target:    c.profile.Target.Describe(),
		StartedAt: c.now(),
	}
	var phases model.PhaseDurations

	c.logger.Info("run starting", "profile", c.profile.Name, "target", res.Target, "accounts", c.profile.Accounts)

	envStarted := false
	defer func() {
		c.teardown(ctx, res, envStarted)
		res.FinishedAt = c.now()
		if err != nil {
			res.Err = err
		}
		if perr := c.persist(ctx, res); perr != nil && err == nil {
			err = perr
			res.Err = perr
		}
		c.logRunEnd(res, err)
	}()

	// Startup
	mark := c.enter(PhaseStartup)
	ep, err := c.env.Start(ctx)
	if err != nil {
		return res, c.fail(PhaseStartup, err)
	}
	envStarted = true
	res.Endpoints = ep
	phases.Startup = c.leave(PhaseStartup, mark)

	// Provision
	mark = c.enter(PhaseProvision)
	sender, receivers, pres, err := c.provision(ctx, ep)
	if pres != nil {
		res.ProvisionFailures = pres.Failures()
	}
	if err != nil {
		return res, c.fail(PhaseProvision, err)
	}
	phases.Provision = c.leave(PhaseProvision, mark)

	// Arm
	mark = c.enter(PhaseArm)
	armed, armFailures := c.arm(ctx, ep, receivers)
	res.ArmFailures = armFailures
	if floor := ArmFloor(len(receivers)); len(armed) < floor {
		return res, c.fail(PhaseArm, &ArmFloorError{Provisioned: len(receivers), Armed: len(armed), Floor: floor})
	}
	phases.Arm = c.leave(PhaseArm, mark)

	// Broadcast
	mark = c.enter(PhaseBroadcast)
	bres, err := c.broadcast(ctx, ep, sender, armed)
	if bres != nil {
		res.Marker = bres.Marker
		res.Sends = bres.Records
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return res, c.fail(PhaseBroadcast, err)
	}
	phases.Broadcast = c.leave(PhaseBroadcast, mark)

	// Verify
	mark = c.enter(PhaseVerify)
	snaps := c.verify(ctx, armed, bres.Marker)
	if err := ctx.Err(); err != nil {
		return res, c.fail(PhaseVerify, err)
	}
	phases.Verify = c.leave(PhaseVerify, mark)

	// Classify
	c.enter(PhaseClassify)
	classified := classify.ClassifyAll(snaps, bres.Marker)
	for i, cw := range classified {
		armed[i].Classified(cw.Outcome)
		c.events.Emit(eventlog.KindOutcome, cw.ClientID, string(cw.Outcome))
	}
	res.Outcomes = classified

	// Report
	c.enter(PhaseReport)
	phases.Total = c.now().Sub(res.StartedAt)
	rep, err := report.Aggregate(classified, len(armed), report.Inputs{
		RunID:     res.RunID,
		Marker:    bres.Marker,
		Phases:    phases,
		Provision: pres.Stats,
		Sends:     bres.Stats,
	}, c.profile.ReportPolicy())
	if err != nil {
		return res, c.fail(PhaseReport, err)
	}
	res.Report = &rep
	return res, nil
}

// provision establishes the sender account first, then the receivers
// through the pool. Fewer receivers than the floor aborts the run.
func (c *Controller) provision(ctx context.Context, ep model.Endpoints) (model.Identity, []model.Identity, *provision.Result, error) {
	domain := c.domain(ep)
	ids, err := c.opts.Identities(c.profile.Accounts+1, domain)
	if err != nil {
		return model.Identity{}, nil, nil, err
	}
	if len(ids) != c.profile.Accounts+1 {
		return model.Identity{}, nil, nil, fmt.Errorf("identity source returned %d identities, want %d", len(ids), c.profile.Accounts+1)
	}

	p := provision.New(ep, provision.Config{
		Workers:       c.profile.Pools.Provision,
		CallTimeout:   c.profile.Timeouts.Provision,
		SlowThreshold: c.profile.Thresholds.SlowLogin,
	}, c.opts.Logger, c.opts.Board, c.events)

	sender := p.ProvisionOne(ctx, ids[0])
	if !sender.OK {
		return model.Identity{}, nil, nil, fmt.Errorf("sender account %s: %s: %s", sender.Identity.Principal, sender.Step, sender.Err)
	}

	pres := p.Provision(ctx, ids[1:])
	receivers := pres.Provisioned()
	if err := provision.CheckFloor(c.profile.Accounts, len(receivers)); err != nil {
		return model.Identity{}, nil, pres, err
	}
	if err := ctx.Err(); err != nil {
		return model.Identity{}, nil, pres, err
	}
	return sender.Identity, receivers, pres, nil
}

// arm connects and arms one waiter per receiver through the arm pool.
// Armed waiters are returned in receiver order.
func (c *Controller) arm(ctx context.Context, ep model.Endpoints, receivers []model.Identity) ([]*waiter.Waiter, []ArmFailure) {
	dial := waiter.IMAPDialer(ep.RetrieveAddr, c.profile.Timeouts.Provision)
	cfg := waiter.Config{
		ConfirmTimeout: c.profile.Timeouts.ArmConfirm,
		IdleRead:       c.profile.Timeouts.IdleRead,
		Deadline:       c.profile.Timeouts.WaiterDeadline,
	}

	waiters := make([]*waiter.Waiter, len(receivers))
	for i, id := range receivers {
		waiters[i] = waiter.New(id.Index, id, dial, cfg, c.opts.Logger, c.events)
	}
	c.waiters = append(c.waiters, waiters...)

	ok := make([]bool, len(waiters))
	var (
		mu       sync.Mutex
		failures []ArmFailure
	)
	tracker := c.opts.Board.Begin(string(PhaseArm), len(waiters))

	var g errgroup.Group
	g.SetLimit(c.profile.Pools.Arm)
	for i, w := range waiters {
		g.Go(func() error {
			err := w.Connect(ctx)
			if err == nil {
				err = w.Arm()
			}
			tracker.Add(err == nil)
			if err != nil {
				f := ArmFailure{ClientID: w.ClientID(), Principal: w.Identity().Principal, Step: "arm", Err: err.Error()}
				var ae *waiter.ArmError
				if errors.As(err, &ae) {
					f.Step = ae.Step
				}
				f.Category = mailproto.CategoryOf(err)
				mu.Lock()
				failures = append(failures, f)
				mu.Unlock()
				return nil
			}
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()
	tracker.Finish()

	var armed []*waiter.Waiter
	for i, w := range waiters {
		if ok[i] {
			armed = append(armed, w)
		}
	}
	c.logger.Info("arming finished", "armed", len(armed), "failed", len(failures), "floor", ArmFloor(len(receivers)))
	return armed, failures
}

// broadcast sends the marker message to every armed waiter over one
// session. At least one delivery must succeed.
func (c *Controller) broadcast(ctx context.Context, ep model.Endpoints, from model.Identity, armed []*waiter.Waiter) (*broadcast.Result, error) {
	message := c.opts.Message
	if message == nil && c.profile.Message.Template != "" {
		t, err := broadcast.LoadMessage(c.profile.Message.Template)
		if err != nil {
			return nil, err
		}
		message = t
	}

	s := broadcast.New(
		broadcast.SMTPDialer(ep.SubmitAddr, c.profile.Timeouts.Send),
		from,
		broadcast.Config{Subject: c.profile.Message.Subject, SlowThreshold: c.profile.Thresholds.SlowSend},
		message,
		c.opts.Markers,
		c.opts.Logger,
		c.opts.Board,
		c.events,
	)

	recipients := make([]broadcast.Recipient, len(armed))
	for i, w := range armed {
		recipients[i] = broadcast.Recipient{ClientID: w.ClientID(), Address: w.Identity().Address}
	}

	res, err := s.Broadcast(ctx, recipients)
	if err != nil {
		return res, err
	}
	if res.Stats.Sent == 0 {
		return res, ErrNothingDelivered
	}
	return res, nil
}

// verify waits for each armed waiter's signal through the verify pool and
// re-fetches the mailbox of every notified waiter. Snapshots are returned
// in armed order.
func (c *Controller) verify(ctx context.Context, armed []*waiter.Waiter, marker string) []model.WaiterSnapshot {
	snaps := make([]model.WaiterSnapshot, len(armed))
	tracker := c.opts.Board.Begin(string(PhaseVerify), len(armed))

	var g errgroup.Group
	g.SetLimit(c.profile.Pools.Verify)
	for i, w := range armed {
		g.Go(func() error {
			snap := w.Wait(ctx, c.profile.Timeouts.Notify)
			if snap.Notified {
				found, err := w.Verify(marker)
				snap.Verified = found
				if err != nil {
					snap.VerifyErr = err.Error()
				}
			}
			snaps[i] = snap
			tracker.Add(snap.Notified)
			return nil
		})
	}
	_ = g.Wait()
	tracker.Finish()
	return snaps
}

// teardown stops every waiter, samples the server and stops the
// environment. It runs on every exit path.
func (c *Controller) teardown(ctx context.Context, res *RunResult, envStarted bool) {
	c.enter(PhaseTeardown)
	ctx = context.WithoutCancel(ctx)

	var g errgroup.Group
	for _, w := range c.waiters {
		g.Go(func() error {
			w.Stop(c.profile.Timeouts.Join)
			return nil
		})
	}
	_ = g.Wait()

	if !envStarted {
		return
	}
	stats, err := c.env.Stats(ctx)
	switch {
	case err == nil:
		res.Resources = &stats
	case !errors.Is(err, env.ErrUnsupported):
		c.logger.Warn("could not sample server", "error", err)
	}
	if err := c.env.Stop(ctx); err != nil {
		c.logger.Warn("environment stop failed", "error", err)
	}
}

// persist writes the run to the store, if one is configured.
func (c *Controller) persist(ctx context.Context, res *RunResult) error {
	if c.opts.Store == nil {
		return nil
	}
	c.enter(PhasePersist)
	if err := c.opts.Store.SaveRun(context.WithoutCancel(ctx), toStoreRun(res, c.profile.Accounts)); err != nil {
		c.logger.Error("could not save run", "error", err)
		return &PhaseError{Phase: PhasePersist, Err: err}
	}
	return nil
}

func (c *Controller) enter(p Phase) time.Time {
	c.events.SetPhase(string(p))
	c.events.Emit(eventlog.KindPhase, eventlog.RunWide, "start")
	c.logger.Debug("phase starting", "phase", p)
	return c.now()
}

func (c *Controller) leave(p Phase, start time.Time) time.Duration {
	d := c.now().Sub(start)
	c.events.Emit(eventlog.KindPhase, eventlog.RunWide, "done")
	c.logger.Info("phase complete", "phase", p, "elapsed", d.Round(time.Millisecond))
	return d
}

func (c *Controller) fail(p Phase, err error) error {
	c.events.Emit(eventlog.KindPhase, eventlog.RunWide, "failed: "+err.Error())
	return &PhaseError{Phase: p, Err: err}
}

func (c *Controller) logRunEnd(res *RunResult, err error) {
	elapsed := res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond)
	switch {
	case err != nil:
		c.logger.Error("run aborted", "error", err, "elapsed", elapsed)
	case res.Report.Pass:
		c.logger.Info("run passed", "summary", report.Summary(*res.Report), "elapsed", elapsed)
	default:
		c.logger.Warn("run failed", "violation", res.Report.Violation, "detail", res.Report.Detail, "elapsed", elapsed)
	}
}

// domain picks the address domain: the profile override, the target's
// domain, or the submit host as an address literal.
func (c *Controller) domain(ep model.Endpoints) string {
	if c.profile.Domain != "" {
		return c.profile.Domain
	}
	if ep.Domain != "" {
		return ep.Domain
	}
	host, _, err := net.SplitHostPort(ep.SubmitAddr)
	if err != nil {
		host = ep.SubmitAddr
	}
	return "[" + host + "]"
}

func toStoreRun(res *RunResult, accounts int) store.Run {
	run := store.Run{
		ID:         res.RunID,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		Target:     res.Target,
		Accounts:   accounts,
		Pass:       res.Pass(),
		Report:     res.Report,
		Outcomes:   res.Outcomes,
	}
	if res.Report != nil {
		run.Violation = res.Report.Violation
	}
	if res.Err != nil {
		run.Error = res.Err.Error()
	}
	for _, a := range res.ProvisionFailures {
		run.ProvisionFailures = append(run.ProvisionFailures, store.ProvisionFailure{
			Principal: a.Identity.Principal,
			Step:      a.Step,
			Category:  a.Category,
			Err:       a.Err,
		})
	}
	for _, r := range res.Sends {
		run.Sends = append(run.Sends, store.Send{
			ClientID:  r.ClientID,
			Recipient: r.Recipient,
			OK:        r.OK,
			Retried:   r.Retried,
			Latency:   r.Latency,
			Category:  r.Category,
			Err:       r.Err,
		})
	}
	return run
}
