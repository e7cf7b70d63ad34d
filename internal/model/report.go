package model

import "time"

// PhaseDurations records the wall time spent in each harness phase.
type PhaseDurations struct {
	Startup   time.Duration `json:"startup"`
	Provision time.Duration `json:"provision"`
	Arm       time.Duration `json:"arm"`
	Broadcast time.Duration `json:"broadcast"`
	Verify    time.Duration `json:"verify"`
	Total     time.Duration `json:"total"`
}

// TimingStat is an avg/max pair over a set of samples.
type TimingStat struct {
	Count int           `json:"count"`
	Avg   time.Duration `json:"avg"`
	Max   time.Duration `json:"max"`
}

// NewTimingStat computes avg/max over samples. Zero samples yield a zero stat.
func NewTimingStat(samples []time.Duration) TimingStat {
	if len(samples) == 0 {
		return TimingStat{}
	}
	var sum, max time.Duration
	for _, s := range samples {
		sum += s
		if s > max {
			max = s
		}
	}
	return TimingStat{
		Count: len(samples),
		Avg:   sum / time.Duration(len(samples)),
		Max:   max,
	}
}

// ProvisionStats summarises the provisioning phase.
type ProvisionStats struct {
	Requested       int        `json:"requested"`
	Provisioned     int        `json:"provisioned"`
	Failed          int        `json:"failed"`
	SubmitConnect   TimingStat `json:"submit_connect"`
	SubmitLogin     TimingStat `json:"submit_login"`
	RetrieveConnect TimingStat `json:"retrieve_connect"`
	RetrieveLogin   TimingStat `json:"retrieve_login"`
	SlowLogins      int        `json:"slow_logins"`
}

// SendStats summarises the broadcast phase.
type SendStats struct {
	Sent      int        `json:"sent"`
	Failed    int        `json:"failed"`
	Retried   int        `json:"retried"`
	SlowSends int        `json:"slow_sends"`
	Latency   TimingStat `json:"latency"`
}

// Tolerance names a pass/fail policy rule.
type Tolerance string

const (
	ToleranceRaceCondition  Tolerance = "race-condition"
	ToleranceTimeoutRate    Tolerance = "timeout-rate"
	ToleranceFetchErrorRate Tolerance = "fetch-error-rate"
)

// AggregateReport is the Reporter's output for one run.
type AggregateReport struct {
	RunID       string          `json:"run_id,omitempty"`
	Marker      string          `json:"marker,omitempty"`
	Armed       int             `json:"armed"`
	Counts      map[Outcome]int `json:"counts"`
	SuccessRate float64         `json:"success_rate"`
	TimeoutRate float64         `json:"timeout_rate"`
	Verified    int             `json:"verified"`
	Phases      PhaseDurations  `json:"phases"`
	Provision   ProvisionStats  `json:"provision"`
	Sends       SendStats       `json:"sends"`

	Pass      bool      `json:"pass"`
	Violation Tolerance `json:"violation,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Count returns the number of waiters with outcome o.
func (r *AggregateReport) Count(o Outcome) int {
	return r.Counts[o]
}
