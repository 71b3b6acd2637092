// Package transport provides the transport handles a duplex stream runs on.
//
// A duplex stream needs one read-oriented and one write-oriented handle over
// the same physical connection so that raw I/O is already full duplex:
//
//	┌──────────────┐   Reader   ┌───────────┐
//	│              │ ─────────► │ read pump │
//	│  connection  │            └───────────┘
//	│  (net.Conn)  │   Writer   ┌────────────┐
//	│              │ ◄───────── │ write pump │
//	└──────────────┘            └────────────┘
//
// Split produces such a pair from a net.Conn. Each half is owned by exactly
// one goroutine; the halves forward CloseRead and CloseWrite when the
// underlying connection supports half-close (TCP, TLS, Unix sockets).
//
// # Test transports
//
// Pipe returns an in-memory full-duplex connection with independent
// artificial latency on each direction. RecordingWriter captures every
// transport write and can hold writes back to observe ordering.
// ScriptedReader and FaultyWriter let tests decide exactly when bytes
// arrive and when the transport fails.
package transport
