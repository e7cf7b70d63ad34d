// Package classify derives the five-way Outcome of each waiter from its
// captured snapshot. Classification is pure: the same snapshot and marker
// always give the same result.
package classify

import (
	"bytes"

	"github.com/roach88/idleprobe/internal/model"
)

// Classify applies the outcome precedence:
//
//  1. notified with a payload containing the marker: received
//  2. notified without error or payload: received-no-data
//  3. notified with a no-items or query-failed error: race-condition
//  4. notified with any other error, or a payload missing the marker: fetch-error
//  5. not notified: timeout
//
// An empty marker accepts any payload.
func Classify(snap model.WaiterSnapshot, marker string) model.ClassifiedWaiter {
	cw := model.ClassifiedWaiter{
		ClientID:  snap.ClientID,
		Principal: snap.Principal,
		Verified:  snap.Verified,
	}

	switch {
	case !snap.Notified:
		cw.Outcome = model.OutcomeTimeout
		cw.Detail = snap.TimeoutErr
	case snap.FetchErr != nil:
		cw.Detail = snap.FetchErr.Error()
		switch snap.FetchErr.Category {
		case model.CatNoItems, model.CatQueryFailed:
			cw.Outcome = model.OutcomeRaceCondition
		default:
			cw.Outcome = model.OutcomeFetchError
		}
	case snap.Payload == nil:
		cw.Outcome = model.OutcomeReceivedNoData
	case marker == "" || bytes.Contains(snap.Payload, []byte(marker)):
		cw.Outcome = model.OutcomeReceived
	default:
		cw.Outcome = model.OutcomeFetchError
		mismatch := &model.ProbeError{
			Step:     "fetch",
			Category: model.CatMarkerMismatch,
			Message:  "fetched message does not carry the broadcast marker",
		}
		cw.Detail = mismatch.Error()
	}
	return cw
}

// ClassifyAll classifies every snapshot, preserving order.
func ClassifyAll(snaps []model.WaiterSnapshot, marker string) []model.ClassifiedWaiter {
	out := make([]model.ClassifiedWaiter, len(snaps))
	for i, s := range snaps {
		out[i] = Classify(s, marker)
	}
	return out
}
