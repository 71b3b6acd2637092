package duplex

import (
	"errors"
	"fmt"
	"os"
)

// Stream errors.
var (
	// ErrClosed is returned by calls after Shutdown completed or Close was called.
	ErrClosed = errors.New("duplex: stream closed")

	// ErrFaulted is returned by every call once a fatal error occurred.
	// The returned error also wraps the original cause.
	ErrFaulted = errors.New("duplex: connection faulted")

	// ErrWorkerPanic is the cause recorded when a worker goroutine panics.
	ErrWorkerPanic = errors.New("duplex: worker panic")

	// ErrNotEstablished is returned by UpdateKeys during the handshake.
	ErrNotEstablished = errors.New("duplex: handshake not complete")

	// ErrKeyUpdateUnsupported is returned by UpdateKeys when the engine
	// cannot rotate keys.
	ErrKeyUpdateUnsupported = errors.New("duplex: engine does not support key updates")

	// ErrCloseTimeout is returned by Close when the workers did not stop in time.
	ErrCloseTimeout = errors.New("duplex: close timeout")

	// ErrNilEngine and ErrNilHandle are setup failures.
	ErrNilEngine = errors.New("duplex: nil engine")
	ErrNilHandle = errors.New("duplex: nil transport handle")
)

// ErrTimeout is returned when a call's deadline passes before the worker
// completed it. The stream stays usable. It matches os.ErrDeadlineExceeded
// and implements net.Error's Timeout method.
var ErrTimeout error = &timeoutError{}

type timeoutError struct{}

func (*timeoutError) Error() string   { return "duplex: i/o timeout" }
func (*timeoutError) Timeout() bool   { return true }
func (*timeoutError) Temporary() bool { return true }

func (*timeoutError) Is(target error) bool {
	return target == os.ErrDeadlineExceeded
}

// SetupError reports a failure constructing a Stream.
type SetupError struct {
	// Op is the setup step that failed (e.g. "config", "spawn scheduler").
	Op string

	// Err is the underlying cause.
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("duplex setup failed during %s: %v", e.Op, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// Direction names a transport direction in a TransportError.
type Direction string

const (
	DirRead  Direction = "read"
	DirWrite Direction = "write"
)

// TransportError reports a failed transport read or write. It is fatal.
type TransportError struct {
	Dir Direction
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s failed: %v", e.Dir, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// faulted wraps cause so that errors.Is matches both ErrFaulted and cause.
func faulted(cause error) error {
	if errors.Is(cause, ErrFaulted) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrFaulted, cause)
}
