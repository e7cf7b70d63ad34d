// Package model holds the data shared by every idleprobe component.
//
// Nothing in this package performs I/O. Identities are created once by the
// controller and never mutated; WaiterSnapshots are produced by a single
// waiter goroutine and handed to the verification phase through a one-shot
// signal; Outcomes are derived once per waiter by the classifier.
package model
