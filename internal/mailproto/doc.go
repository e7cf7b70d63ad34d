// Package mailproto implements the small slice of IMAP4rev1 and SMTP
// submission that idleprobe needs.
//
// The IMAP client is written directly against the socket because the race
// probe needs exact control over when IDLE is terminated and when the next
// command goes out: no buffering, no background readers, no automatic
// re-selects. Every failure is returned as an *Error carrying an enumerated
// category (no-items, query-failed, fetch-failed, connection, ...).
//
// An IMAPConn is not safe for concurrent use. The only method that may be
// called from another goroutine is Close, which unblocks a pending read.
package mailproto
