// Package engine defines the contract between a duplex stream and the
// secure-transport protocol engine it drives.
//
// An Engine is a sans-I/O state machine: it never touches a socket. The
// owner feeds it ciphertext received from the transport, drains the bytes
// it wants written, and moves application data in and out of it:
//
//	transport ──PushCiphertext──▶ ┌────────┐ ──ReadPlaintext──▶ caller
//	                              │ Engine │
//	transport ◀──PullOutgoing──── └────────┘ ◀─WritePlaintext── caller
//
// Every method is synchronous and non-blocking. When an operation cannot
// make progress without more transport I/O it returns ErrWouldBlock; the
// owner performs the I/O and retries. A ProtocolError is fatal for the
// connection.
//
// Engines are not safe for concurrent use. The duplex package confines each
// engine to a single goroutine for its entire lifetime.
package engine
