// Package store keeps a history of harness runs in SQLite.
//
// Each run is written once, in a single transaction, after teardown:
//   - runs: verdict, target and the full aggregate report as JSON
//   - outcomes: one row per armed waiter
//   - provision_failures: accounts that never became usable
//   - sends: one row per broadcast recipient
//
// Listings are ordered by started_at DESC, id ASC so output is stable when
// two runs share a timestamp.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
