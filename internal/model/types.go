package model

import (
	"fmt"
	"time"
)

// Identity is a mail account used by the run.
// Principal is the login name; Address is the envelope address (they are
// identical for auto-created accounts but kept apart for clarity).
type Identity struct {
	Index     int    `json:"index"`
	Principal string `json:"principal"`
	Secret    string `json:"-"`
	Address   string `json:"address"`
}

func (id Identity) String() string {
	return fmt.Sprintf("#%d %s", id.Index, id.Principal)
}

// Endpoints are the network coordinates of the target server.
type Endpoints struct {
	SubmitAddr   string `json:"submit_addr"`
	RetrieveAddr string `json:"retrieve_addr"`
	HTTPAddr     string `json:"http_addr,omitempty"`
	Domain       string `json:"domain"`
}

// ErrorCategory classifies a failure at a protocol call site.
// The classifier switches on the category, never on error text.
type ErrorCategory string

const (
	CatNone           ErrorCategory = ""
	CatNoItems        ErrorCategory = "no-items"
	CatQueryFailed    ErrorCategory = "query-failed"
	CatFetchFailed    ErrorCategory = "fetch-failed"
	CatConnection     ErrorCategory = "connection"
	CatProtocol       ErrorCategory = "protocol"
	CatAuth           ErrorCategory = "auth"
	CatTimeout        ErrorCategory = "timeout"
	CatMarkerMismatch ErrorCategory = "marker-mismatch"
)

// ProbeError is the failure captured during the immediate post-notification
// fetch.
type ProbeError struct {
	Step     string        `json:"step"`
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Step, e.Category, e.Message)
}

// WaiterSnapshot is the final captured state of one waiter.
//
// Payload nil means no payload was captured. At most one of Payload and
// FetchErr is set when Notified is true.
type WaiterSnapshot struct {
	ClientID   int         `json:"client_id"`
	Principal  string      `json:"principal"`
	Armed      bool        `json:"armed"`
	Notified   bool        `json:"notified"`
	ExistsLine string      `json:"exists_line,omitempty"`
	Payload    []byte      `json:"-"`
	FetchErr   *ProbeError `json:"fetch_error,omitempty"`
	TimeoutErr string      `json:"timeout_error,omitempty"`
	ArmedAt    time.Time   `json:"armed_at"`
	NotifiedAt time.Time   `json:"notified_at,omitempty"`

	// Verification re-fetch, performed after the signal.
	Verified  bool   `json:"verified"`
	VerifyErr string `json:"verify_error,omitempty"`
}

// Outcome is the five-way classification of a waiter.
type Outcome string

const (
	OutcomeReceived       Outcome = "received"
	OutcomeReceivedNoData Outcome = "received-no-data"
	OutcomeRaceCondition  Outcome = "race-condition"
	OutcomeFetchError     Outcome = "fetch-error"
	OutcomeTimeout        Outcome = "timeout"
)

// AllOutcomes lists the taxonomy in report order.
var AllOutcomes = []Outcome{
	OutcomeReceived,
	OutcomeReceivedNoData,
	OutcomeRaceCondition,
	OutcomeFetchError,
	OutcomeTimeout,
}

// Success reports whether the outcome counts toward the success rate.
func (o Outcome) Success() bool {
	return o == OutcomeReceived || o == OutcomeReceivedNoData
}

// Valid reports whether o is one of the five taxonomy values.
func (o Outcome) Valid() bool {
	for _, v := range AllOutcomes {
		if o == v {
			return true
		}
	}
	return false
}

// ClassifiedWaiter pairs a waiter with its derived Outcome.
type ClassifiedWaiter struct {
	ClientID  int     `json:"client_id"`
	Principal string  `json:"principal"`
	Outcome   Outcome `json:"outcome"`
	Detail    string  `json:"detail,omitempty"`
	Verified  bool    `json:"verified"`
}
