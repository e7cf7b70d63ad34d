package store

import (
	"errors"
	"time"

	"github.com/roach88/idleprobe/internal/model"
)

// ErrRunNotFound is returned by LoadRun for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

// Run is one stored harness run.
type Run struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Target describes the server under test, e.g. "local:/usr/bin/maddy".
	Target   string `json:"target"`
	Accounts int    `json:"accounts"`

	Pass      bool            `json:"pass"`
	Violation model.Tolerance `json:"violation,omitempty"`

	// Error is the phase error that aborted the run, empty when a report
	// was produced.
	Error string `json:"error,omitempty"`

	// Report is nil for runs that aborted before the report phase.
	Report *model.AggregateReport `json:"report,omitempty"`

	Outcomes          []model.ClassifiedWaiter `json:"outcomes,omitempty"`
	ProvisionFailures []ProvisionFailure       `json:"provision_failures,omitempty"`
	Sends             []Send                   `json:"sends,omitempty"`
}

// ProvisionFailure is an account that could not be provisioned.
type ProvisionFailure struct {
	Principal string              `json:"principal"`
	Step      string              `json:"step"`
	Category  model.ErrorCategory `json:"category"`
	Err       string              `json:"error,omitempty"`
}

// Send is the delivery record of one broadcast recipient.
type Send struct {
	ClientID  int                 `json:"client_id"`
	Recipient string              `json:"recipient"`
	OK        bool                `json:"ok"`
	Retried   bool                `json:"retried"`
	Latency   time.Duration       `json:"latency"`
	Category  model.ErrorCategory `json:"category,omitempty"`
	Err       string              `json:"error,omitempty"`
}
