// Package harness runs one IDLE notification probe against a mail server.
//
// A run is a fixed sequence of phases driven by a Controller:
//
//	startup     start or reach the target environment
//	provision   create the sender and N receiving identities
//	arm         open one IMAP IDLE waiter per receiver
//	broadcast   submit one marker message to every armed waiter
//	verify      wait for each waiter's signal and re-fetch its mailbox
//	classify    derive one outcome per waiter
//	report      aggregate outcomes and apply the pass/fail policy
//	teardown    stop waiters and the environment
//	persist     record the run in the run store
//
// Each phase gates the next. Provisioning below provision.Floor or arming
// below ArmFloor aborts the run with a *PhaseError; teardown and persist
// still run.
//
// # Profiles
//
// Runs are configured by YAML profiles validated against an embedded CUE
// schema:
//
//	name: nightly
//	accounts: 200
//	target:
//	  binary: /usr/local/bin/maddy
//	pools:
//	  provision: 10
//	timeouts:
//	  notify: 90s
//	policy:
//	  max_timeout_rate: 0.05
//
// Absent fields keep their defaults. Unknown fields are rejected.
package harness
