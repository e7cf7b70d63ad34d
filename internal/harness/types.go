package harness

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/idleprobe/internal/broadcast"
	"github.com/roach88/idleprobe/internal/env"
	"github.com/roach88/idleprobe/internal/model"
	"github.com/roach88/idleprobe/internal/provision"
)

// Phase names a step of a run. Phases execute in declaration order.
type Phase string

const (
	PhaseStartup   Phase = "startup"
	PhaseProvision Phase = "provision"
	PhaseArm       Phase = "arm"
	PhaseBroadcast Phase = "broadcast"
	PhaseVerify    Phase = "verify"
	PhaseClassify  Phase = "classify"
	PhaseReport    Phase = "report"
	PhaseTeardown  Phase = "teardown"
	PhasePersist   Phase = "persist"
)

// PhaseError is an unrecoverable failure that stopped the run.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// AsPhaseError returns the *PhaseError in err's chain, if any.
func AsPhaseError(err error) (*PhaseError, bool) {
	var pe *PhaseError
	ok := errors.As(err, &pe)
	return pe, ok
}

// ArmFloorError means too few waiters armed to make the broadcast
// meaningful.
type ArmFloorError struct {
	Provisioned int
	Armed       int
	Floor       int
}

func (e *ArmFloorError) Error() string {
	return fmt.Sprintf("%d of %d waiters armed, need at least %d", e.Armed, e.Provisioned, e.Floor)
}

// MinArmFloor is the smallest armed population a run accepts.
const MinArmFloor = 3

// ArmFloor returns the minimum armed population for provisioned identities:
// max(3, provisioned/2).
func ArmFloor(provisioned int) int {
	return max(MinArmFloor, provisioned/2)
}

// ErrNothingDelivered means every broadcast send failed.
var ErrNothingDelivered = errors.New("no broadcast message was accepted")

// ArmFailure records a waiter that never joined the armed population.
type ArmFailure struct {
	ClientID  int                 `json:"client_id"`
	Principal string              `json:"principal"`
	Step      string              `json:"step"`
	Category  model.ErrorCategory `json:"category,omitempty"`
	Err       string              `json:"error"`
}

// RunResult is everything a run produced. Fields are filled as phases
// complete, so an aborted run carries the data of the phases it finished.
type RunResult struct {
	RunID      string    `json:"run_id"`
	Profile    string    `json:"profile"`
	Target     string    `json:"target"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Endpoints model.Endpoints `json:"endpoints"`
	Marker    string          `json:"marker,omitempty"`

	// Report is nil when the run aborted before the report phase.
	Report *model.AggregateReport `json:"report,omitempty"`

	Outcomes          []model.ClassifiedWaiter `json:"outcomes,omitempty"`
	ProvisionFailures []provision.Attempt      `json:"provision_failures,omitempty"`
	ArmFailures       []ArmFailure             `json:"arm_failures,omitempty"`
	Sends             []broadcast.SendRecord   `json:"sends,omitempty"`

	// Resources is the server sample taken before teardown, when the
	// environment supports it.
	Resources *env.ResourceStats `json:"resources,omitempty"`

	// Err is the phase error that aborted the run.
	Err error `json:"-"`
}

// Pass reports whether the run produced a passing report.
func (r *RunResult) Pass() bool {
	return r.Err == nil && r.Report != nil && r.Report.Pass
}
