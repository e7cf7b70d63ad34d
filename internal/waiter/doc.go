// Package waiter implements the notification waiter, the unit of race
// detection.
//
// A Waiter owns one IMAP session and moves through
//
//	disconnected → connected → armed → notified | timed-out → classified
//
// Once armed, the session belongs to a background goroutine that blocks on
// IDLE reads. When the server announces EXISTS the goroutine immediately
// leaves IDLE, re-selects, searches and fetches the newest message, with no
// pause anywhere in between. A server that notifies before the message is
// queryable is caught here: the search comes back empty.
//
// The goroutine writes its capture into the waiter and then closes a
// channel. The foreground reads the capture only after observing the close,
// which gives the single-writer/single-reader handoff its happens-before
// edge. After the close, the session belongs to the foreground again.
package waiter
