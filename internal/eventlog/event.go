package eventlog

import (
	"fmt"
	"strings"
	"time"
)

// Event is one entry in the run log.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// RunID identifies the run the event belongs to.
	RunID string `cbor:"2,keyasint,omitempty"`

	// Phase is the harness phase active when the event was emitted.
	Phase string `cbor:"3,keyasint,omitempty"`

	// ClientID is the waiter/identity index, -1 for run-wide events.
	ClientID int `cbor:"4,keyasint"`

	Kind Kind `cbor:"5,keyasint"`

	// From and To are set for state transitions.
	From string `cbor:"6,keyasint,omitempty"`
	To   string `cbor:"7,keyasint,omitempty"`

	Detail string `cbor:"8,keyasint,omitempty"`
}

// Kind classifies an event.
type Kind uint8

const (
	KindPhase Kind = iota
	KindProvision
	KindState
	KindSend
	KindOutcome
)

var kindNames = map[Kind]string{
	KindPhase:     "phase",
	KindProvision: "provision",
	KindState:     "state",
	KindSend:      "send",
	KindOutcome:   "outcome",
}

// String returns the kind name.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ParseKind converts a kind name back to a Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(s, name) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown event kind %q", s)
}

// RunWide is the ClientID of events not tied to a single identity.
const RunWide = -1
