// Package eventlog records what happened during a run as a stream of
// CBOR-encoded events: phase boundaries, provisioning attempts, waiter
// state transitions, sends and final outcomes.
//
// Events use integer map keys for compactness. A log file is a plain
// concatenation of CBOR items and can be streamed back with Reader.
package eventlog
