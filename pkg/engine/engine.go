package engine

import (
	"errors"
	"fmt"
	"iter"
)

// Role fixes which side of the handshake an engine plays.
type Role uint8

const (
	// RoleClient initiates the handshake.
	RoleClient Role = iota

	// RoleServer answers the handshake.
	RoleServer
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleClient:
		return "CLIENT"
	case RoleServer:
		return "SERVER"
	default:
		return "UNKNOWN"
	}
}

// ErrWouldBlock reports that an operation needs more transport I/O before it
// can make progress. It is transient and must be retried.
var ErrWouldBlock = errors.New("engine: would block")

// ProtocolError reports a fatal protocol violation or engine failure.
// The connection cannot be used after one is returned.
type ProtocolError struct {
	// Op is the engine operation that failed (e.g. "push", "read").
	Op string

	// Err is the underlying cause.
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error during %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError wraps err as a ProtocolError for op.
func NewProtocolError(op string, err error) *ProtocolError {
	return &ProtocolError{Op: op, Err: err}
}

// IsProtocolError reports whether err is or wraps a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// Engine is the protocol state machine driven by a duplex stream.
type Engine interface {
	// PushCiphertext feeds bytes received from the transport. It returns the
	// number of bytes consumed; unconsumed bytes must be pushed again later.
	PushCiphertext(p []byte) (int, error)

	// PullOutgoing drains the bytes the engine needs written to the
	// transport. The sequence is finite; calling PullOutgoing again after it
	// ends yields whatever has been queued since.
	PullOutgoing() iter.Seq[[]byte]

	// ReadPlaintext copies decoded application data into p. It returns
	// ErrWouldBlock when none is buffered, and io.EOF once the peer's close
	// notification has been processed and all data before it consumed.
	ReadPlaintext(p []byte) (int, error)

	// WritePlaintext submits application data for encryption. It may accept
	// fewer bytes than offered when outgoing buffering is under pressure, and
	// returns ErrWouldBlock when it cannot accept any (e.g. the handshake has
	// not completed yet).
	WritePlaintext(p []byte) (int, error)

	// CloseNotify queues the engine's close notification. Subsequent
	// WritePlaintext calls fail.
	CloseNotify() error

	// Handshaking reports whether the handshake is still in progress.
	Handshaking() bool
}

// KeyUpdater is implemented by engines that can rotate traffic keys on demand.
type KeyUpdater interface {
	// RequestKeyUpdate queues a key update for the sending direction and asks
	// the peer to update its own.
	RequestKeyUpdate() error
}

// Drain collects everything PullOutgoing currently yields into one slice.
// It returns nil when nothing is pending.
func Drain(e Engine) []byte {
	var out []byte
	for chunk := range e.PullOutgoing() {
		out = append(out, chunk...)
	}
	return out
}
