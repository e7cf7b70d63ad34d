// Package report aggregates classified waiters into a run report and
// applies the pass/fail policy.
package report

import (
	"errors"
	"fmt"

	"github.com/roach88/idleprobe/internal/model"
)

const (
	DefaultMaxTimeoutRate    = 0.10
	DefaultMaxFetchErrorRate = 1.0
)

// Policy holds the verdict tolerances. Race conditions are never tolerated.
type Policy struct {
	// MaxTimeoutRate is the largest tolerated fraction of armed waiters
	// ending in timeout.
	MaxTimeoutRate float64

	// MaxFetchErrorRate is the largest tolerated fraction ending in
	// fetch-error. 1.0 disables the rule.
	MaxFetchErrorRate float64
}

// DefaultPolicy returns the standard tolerances.
func DefaultPolicy() Policy {
	return Policy{
		MaxTimeoutRate:    DefaultMaxTimeoutRate,
		MaxFetchErrorRate: DefaultMaxFetchErrorRate,
	}
}

// Inputs carries the run data the report includes verbatim.
type Inputs struct {
	RunID     string
	Marker    string
	Phases    model.PhaseDurations
	Provision model.ProvisionStats
	Sends     model.SendStats
}

// ErrNoArmedWaiters is returned when there is nothing to aggregate.
var ErrNoArmedWaiters = errors.New("no armed waiters")

// Aggregate counts outcomes and derives the verdict.
//
// Every armed waiter must contribute exactly one classification: a count
// mismatch, a duplicate client ID or an unknown outcome is an error, never
// a silently adjusted report.
func Aggregate(classified []model.ClassifiedWaiter, armed int, in Inputs, pol Policy) (model.AggregateReport, error) {
	if armed <= 0 {
		return model.AggregateReport{}, ErrNoArmedWaiters
	}
	if len(classified) != armed {
		return model.AggregateReport{}, fmt.Errorf("report: %d outcomes for %d armed waiters", len(classified), armed)
	}

	r := model.AggregateReport{
		RunID:     in.RunID,
		Marker:    in.Marker,
		Armed:     armed,
		Counts:    make(map[model.Outcome]int, len(model.AllOutcomes)),
		Phases:    in.Phases,
		Provision: in.Provision,
		Sends:     in.Sends,
	}
	for _, o := range model.AllOutcomes {
		r.Counts[o] = 0
	}

	seen := make(map[int]bool, len(classified))
	for _, cw := range classified {
		if seen[cw.ClientID] {
			return model.AggregateReport{}, fmt.Errorf("report: duplicate outcome for client %d", cw.ClientID)
		}
		seen[cw.ClientID] = true
		if !cw.Outcome.Valid() {
			return model.AggregateReport{}, fmt.Errorf("report: client %d has unknown outcome %q", cw.ClientID, cw.Outcome)
		}
		r.Counts[cw.Outcome]++
		if cw.Verified {
			r.Verified++
		}
	}

	success := r.Counts[model.OutcomeReceived] + r.Counts[model.OutcomeReceivedNoData]
	r.SuccessRate = float64(success) / float64(armed)
	r.TimeoutRate = float64(r.Counts[model.OutcomeTimeout]) / float64(armed)

	applyPolicy(&r, pol)
	return r, nil
}

func applyPolicy(r *model.AggregateReport, pol Policy) {
	armed := float64(r.Armed)
	races := r.Counts[model.OutcomeRaceCondition]
	timeouts := r.Counts[model.OutcomeTimeout]
	fetchErrs := r.Counts[model.OutcomeFetchError]

	switch {
	case races > 0:
		r.Violation = model.ToleranceRaceCondition
		r.Detail = fmt.Sprintf("%d waiter(s) were notified before the message was retrievable", races)
	case float64(timeouts) > pol.MaxTimeoutRate*armed:
		r.Violation = model.ToleranceTimeoutRate
		r.Detail = fmt.Sprintf("%d of %d waiters timed out, above %.0f%% tolerance", timeouts, r.Armed, pol.MaxTimeoutRate*100)
	case float64(fetchErrs) > pol.MaxFetchErrorRate*armed:
		r.Violation = model.ToleranceFetchErrorRate
		r.Detail = fmt.Sprintf("%d of %d waiters hit fetch errors, above %.0f%% tolerance", fetchErrs, r.Armed, pol.MaxFetchErrorRate*100)
	default:
		r.Pass = true
	}
}
