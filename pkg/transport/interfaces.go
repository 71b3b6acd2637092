package transport

import "io"

// ReadHalfCloser is implemented by streams that can shut down their read
// half independently (net.TCPConn.CloseRead).
type ReadHalfCloser interface {
	// CloseRead shuts down the reading half. The write half stays usable.
	CloseRead() error
}

// WriteHalfCloser is implemented by streams that can signal end-of-stream
// to the peer while still reading (net.TCPConn.CloseWrite).
type WriteHalfCloser interface {
	// CloseWrite shuts down the writing half. The peer reads io.EOF once it
	// has consumed everything written before the call.
	CloseWrite() error
}

// ReadWriteHalfCloser implements both half-close directions.
type ReadWriteHalfCloser interface {
	ReadHalfCloser
	WriteHalfCloser
}

// ReadHandle is the read-oriented transport handle returned by Split.
type ReadHandle interface {
	io.ReadCloser
	ReadHalfCloser
}

// WriteHandle is the write-oriented transport handle returned by Split.
type WriteHandle interface {
	io.WriteCloser
	WriteHalfCloser
}

// Compile-time interface satisfaction checks.
var (
	_ ReadHandle          = (*readHalf)(nil)
	_ WriteHandle         = (*writeHalf)(nil)
	_ ReadWriteHalfCloser = (*PipeEnd)(nil)
	_ io.ReadWriteCloser  = (*PipeEnd)(nil)
	_ WriteHalfCloser     = (*RecordingWriter)(nil)
	_ io.ReadCloser       = (*ScriptedReader)(nil)
	_ io.Writer           = (*FaultyWriter)(nil)
)
