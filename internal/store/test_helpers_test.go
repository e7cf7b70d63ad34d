package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/idleprobe/internal/model"
)

var baseTime = time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRun creates a passing three-waiter run with one provisioning
// failure and one retried send.
func createTestRun(id string, started time.Time) Run {
	report := &model.AggregateReport{
		RunID:  id,
		Marker: "test-fixed@idleprobe.local",
		Armed:  3,
		Counts: map[model.Outcome]int{
			model.OutcomeReceived:       2,
			model.OutcomeReceivedNoData: 1,
		},
		SuccessRate: 1,
		Verified:    2,
		Phases:      model.PhaseDurations{Provision: 2 * time.Second, Total: 9 * time.Second},
		Provision:   model.ProvisionStats{Requested: 5, Provisioned: 4, Failed: 1},
		Sends:       model.SendStats{Sent: 3, Retried: 1},
		Pass:        true,
	}
	return Run{
		ID:         id,
		StartedAt:  started,
		FinishedAt: started.Add(9 * time.Second),
		Target:     "static:127.0.0.1:587",
		Accounts:   5,
		Pass:       true,
		Report:     report,
		Outcomes: []model.ClassifiedWaiter{
			{ClientID: 2, Principal: "c@x", Outcome: model.OutcomeReceivedNoData, Detail: "fetched message is empty"},
			{ClientID: 0, Principal: "a@x", Outcome: model.OutcomeReceived, Verified: true},
			{ClientID: 1, Principal: "b@x", Outcome: model.OutcomeReceived, Verified: true},
		},
		ProvisionFailures: []ProvisionFailure{
			{Principal: "d@x", Step: "retrieve-login", Category: model.CatAuth, Err: "login [auth]: LOGIN NO denied"},
		},
		Sends: []Send{
			{ClientID: 0, Recipient: "a@x", OK: true, Latency: 12 * time.Millisecond},
			{ClientID: 1, Recipient: "b@x", OK: true, Retried: true, Latency: 40 * time.Millisecond},
			{ClientID: 2, Recipient: "c@x", OK: true, Latency: 9 * time.Millisecond},
		},
	}
}
