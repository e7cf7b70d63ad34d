package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/idleprobe/internal/model"
)

func waiters(outcomes map[model.Outcome]int) []model.ClassifiedWaiter {
	var out []model.ClassifiedWaiter
	id := 0
	for _, o := range model.AllOutcomes {
		for i := 0; i < outcomes[o]; i++ {
			out = append(out, model.ClassifiedWaiter{ClientID: id, Outcome: o, Verified: o == model.OutcomeReceived})
			id++
		}
	}
	return out
}

func TestAggregate_ScenarioA(t *testing.T) {
	cw := waiters(map[model.Outcome]int{model.OutcomeReceived: 3})
	r, err := Aggregate(cw, 3, Inputs{}, DefaultPolicy())
	require.NoError(t, err)

	assert.True(t, r.Pass)
	assert.Equal(t, 3, r.Count(model.OutcomeReceived))
	assert.Zero(t, r.Count(model.OutcomeRaceCondition))
	assert.Zero(t, r.Count(model.OutcomeTimeout))
	assert.Equal(t, 1.0, r.SuccessRate)
	assert.Equal(t, 3, r.Verified)
}

func TestAggregate_SingleRaceFails(t *testing.T) {
	cw := waiters(map[model.Outcome]int{model.OutcomeReceived: 9, model.OutcomeRaceCondition: 1})
	r, err := Aggregate(cw, 10, Inputs{}, DefaultPolicy())
	require.NoError(t, err)

	assert.False(t, r.Pass)
	assert.Equal(t, model.ToleranceRaceCondition, r.Violation)
	assert.Equal(t, 1, r.Count(model.OutcomeRaceCondition))
	assert.InDelta(t, 0.9, r.SuccessRate, 1e-9)
}

func TestAggregate_RaceOverridesEverything(t *testing.T) {
	cw := waiters(map[model.Outcome]int{model.OutcomeReceived: 99, model.OutcomeRaceCondition: 1})
	pol := Policy{MaxTimeoutRate: 1, MaxFetchErrorRate: 1}
	r, err := Aggregate(cw, 100, Inputs{}, pol)
	require.NoError(t, err)
	assert.False(t, r.Pass)
	assert.Equal(t, model.ToleranceRaceCondition, r.Violation)
}

func TestAggregate_TimeoutTolerance(t *testing.T) {
	tests := []struct {
		timeouts int
		pass     bool
	}{
		{0, true},
		{10, true},
		{11, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_of_100", tt.timeouts), func(t *testing.T) {
			cw := waiters(map[model.Outcome]int{
				model.OutcomeReceived: 100 - tt.timeouts,
				model.OutcomeTimeout:  tt.timeouts,
			})
			r, err := Aggregate(cw, 100, Inputs{}, DefaultPolicy())
			require.NoError(t, err)
			assert.Equal(t, tt.pass, r.Pass)
			if !tt.pass {
				assert.Equal(t, model.ToleranceTimeoutRate, r.Violation)
			}
		})
	}
}

func TestAggregate_FetchErrorTolerance(t *testing.T) {
	cw := waiters(map[model.Outcome]int{model.OutcomeReceived: 5, model.OutcomeFetchError: 5})

	r, err := Aggregate(cw, 10, Inputs{}, DefaultPolicy())
	require.NoError(t, err)
	assert.True(t, r.Pass, "fetch errors are tolerated by default")

	r, err = Aggregate(cw, 10, Inputs{}, Policy{MaxTimeoutRate: 0.1, MaxFetchErrorRate: 0.2})
	require.NoError(t, err)
	assert.False(t, r.Pass)
	assert.Equal(t, model.ToleranceFetchErrorRate, r.Violation)
}

func TestAggregate_ReceivedNoDataCountsAsSuccess(t *testing.T) {
	cw := waiters(map[model.Outcome]int{model.OutcomeReceived: 2, model.OutcomeReceivedNoData: 2})
	r, err := Aggregate(cw, 4, Inputs{}, DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, 1.0, r.SuccessRate)
	assert.True(t, r.Pass)
}

func TestAggregate_Errors(t *testing.T) {
	_, err := Aggregate(nil, 0, Inputs{}, DefaultPolicy())
	assert.ErrorIs(t, err, ErrNoArmedWaiters)

	cw := waiters(map[model.Outcome]int{model.OutcomeReceived: 2})
	_, err = Aggregate(cw, 3, Inputs{}, DefaultPolicy())
	assert.ErrorContains(t, err, "2 outcomes for 3 armed waiters")

	dup := []model.ClassifiedWaiter{
		{ClientID: 1, Outcome: model.OutcomeReceived},
		{ClientID: 1, Outcome: model.OutcomeTimeout},
	}
	_, err = Aggregate(dup, 2, Inputs{}, DefaultPolicy())
	assert.ErrorContains(t, err, "duplicate outcome for client 1")

	bad := []model.ClassifiedWaiter{{ClientID: 1, Outcome: "lost"}}
	_, err = Aggregate(bad, 1, Inputs{}, DefaultPolicy())
	assert.ErrorContains(t, err, "unknown outcome")
}

func TestAggregate_CarriesInputs(t *testing.T) {
	in := Inputs{
		RunID:     "run-1",
		Marker:    "test-m@idleprobe.local",
		Phases:    model.PhaseDurations{Total: time.Minute},
		Provision: model.ProvisionStats{Requested: 7},
		Sends:     model.SendStats{Sent: 3},
	}
	r, err := Aggregate(waiters(map[model.Outcome]int{model.OutcomeReceived: 3}), 3, in, DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, "run-1", r.RunID)
	assert.Equal(t, time.Minute, r.Phases.Total)
	assert.Equal(t, 7, r.Provision.Requested)
	assert.Equal(t, 3, r.Sends.Sent)
	assert.Len(t, r.Counts, len(model.AllOutcomes))
}

func largePassingReport(t *testing.T) model.AggregateReport {
	t.Helper()
	cw := waiters(map[model.Outcome]int{
		model.OutcomeReceived:   1190,
		model.OutcomeFetchError: 2,
		model.OutcomeTimeout:    8,
	})
	r, err := Aggregate(cw, 1200, Inputs{
		RunID:  "0191e3a0-0000-7000-8000-000000000001",
		Marker: "test-fixed@idleprobe.local",
		Phases: model.PhaseDurations{
			Startup:   1500 * time.Millisecond,
			Provision: 130 * time.Second,
			Arm:       20 * time.Second,
			Broadcast: 4 * time.Second,
			Verify:    1200 * time.Millisecond,
			Total:     156700 * time.Millisecond,
		},
		Provision: model.ProvisionStats{
			Requested:       2500,
			Provisioned:     1201,
			Failed:          1299,
			SlowLogins:      3,
			SubmitConnect:   model.TimingStat{Count: 1201, Avg: 2 * time.Millisecond, Max: 15 * time.Millisecond},
			SubmitLogin:     model.TimingStat{Count: 1201, Avg: 40 * time.Millisecond, Max: 5500 * time.Millisecond},
			RetrieveConnect: model.TimingStat{Count: 1201, Avg: time.Millisecond, Max: 9 * time.Millisecond},
			RetrieveLogin:   model.TimingStat{Count: 1201, Avg: 35 * time.Millisecond, Max: 6200 * time.Millisecond},
		},
		Sends: model.SendStats{
			Sent:    1200,
			Retried: 1,
			Latency: model.TimingStat{Count: 1200, Avg: 3 * time.Millisecond, Max: 250 * time.Millisecond},
		},
	}, DefaultPolicy())
	require.NoError(t, err)
	return r
}

func TestWriteText_Golden(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	t.Run("pass", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteText(&buf, largePassingReport(t)))
		g.Assert(t, "report_pass", buf.Bytes())
	})

	t.Run("race", func(t *testing.T) {
		cw := waiters(map[model.Outcome]int{model.OutcomeReceived: 9, model.OutcomeRaceCondition: 1})
		r, err := Aggregate(cw, 10, Inputs{Marker: "test-fixed@idleprobe.local"}, DefaultPolicy())
		require.NoError(t, err)

		var buf bytes.Buffer
		require.NoError(t, WriteText(&buf, r))
		g.Assert(t, "report_race", buf.Bytes())
	})
}

func TestWriteJSON(t *testing.T) {
	r := largePassingReport(t)
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, r))

	var back model.AggregateReport
	require.NoError(t, json.Unmarshal(buf.Bytes(), &back))
	assert.Equal(t, r, back)
}

func TestSummary(t *testing.T) {
	assert.Equal(t,
		"PASS: 1,200 armed, 1,190 received, 0 races, 2 fetch errors, 8 timeouts, 99.2% success",
		Summary(largePassingReport(t)))
}
