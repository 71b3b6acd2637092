// Package duplex provides a full-duplex stream over a protocol engine that
// is not safe for concurrent use.
//
// A Stream can be read from one goroutine and written from another at the
// same time. All engine access happens on a single scheduler goroutine;
// callers submit requests and block only on their own completion channel.
// Two pump goroutines own the transport handles:
//
//	callers ──requests──► scheduler ──records──► write pump ──► Writer
//	                         ▲
//	                         └──── ciphertext ─── read pump ◄── Reader
//
// # Priority
//
// While servicing a request the engine may impose reactive work: control
// bytes to write (handshake answers, key update acknowledgements, close
// notifications) or peer bytes to read before it can proceed. Such control
// obligations are always serviced before any queued data request. Bytes the
// engine has produced keep engine order on the wire.
//
// # Lifecycle
//
//	HANDSHAKING ──► ESTABLISHED ──► CLOSING_REMOTE ──► CLOSED
//	                     │                              ▲
//	                     └────────► CLOSING_LOCAL ──────┘
//
// Any state may move to FAULTED on a protocol or transport error. CLOSED and
// FAULTED are terminal; in FAULTED every call fails immediately without
// touching the transport.
//
// # Limitations
//
// A pump blocked in a transport syscall cannot be interrupted. Deadlines
// bound how long a caller waits, not how long the syscall takes; Close
// closes handles implementing io.Closer to unblock the pumps.
package duplex
