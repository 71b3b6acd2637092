package transport

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// RecordedWrite is one Write call seen by a RecordingWriter.
type RecordedWrite struct {
	Data []byte
	At   time.Time
}

// RecordingWriter captures every Write and optionally forwards it.
// Hold makes Write block until Release, which lets tests queue work behind
// a stalled transport and observe the order it drains in.
type RecordingWriter struct {
	next io.Writer

	mu       sync.Mutex
	cond     *sync.Cond
	writes   []RecordedWrite
	held     bool
	closed   bool
	halfDone int
}

// NewRecordingWriter returns a recorder forwarding to next (may be nil).
func NewRecordingWriter(next io.Writer) *RecordingWriter {
	w := &RecordingWriter{next: next}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Write records p, waiting first while the writer is held.
func (w *RecordingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	for w.held && !w.closed {
		w.cond.Wait()
	}
	if w.closed {
		w.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	w.writes = append(w.writes, RecordedWrite{Data: append([]byte(nil), p...), At: time.Now()})
	w.cond.Broadcast()
	w.mu.Unlock()

	if w.next != nil {
		return w.next.Write(p)
	}
	return len(p), nil
}

// CloseWrite records the half-close and forwards it when next supports it.
func (w *RecordingWriter) CloseWrite() error {
	w.mu.Lock()
	w.halfDone++
	w.cond.Broadcast()
	w.mu.Unlock()

	if hc, ok := w.next.(WriteHalfCloser); ok {
		return hc.CloseWrite()
	}
	return nil
}

// Close fails blocked and future writes.
func (w *RecordingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.cond.Broadcast()
	return nil
}

// Hold makes subsequent writes block until Release.
func (w *RecordingWriter) Hold() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.held = true
}

// Release unblocks held writes.
func (w *RecordingWriter) Release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.held = false
	w.cond.Broadcast()
}

// Writes returns a copy of every recorded write in order.
func (w *RecordingWriter) Writes() []RecordedWrite {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]RecordedWrite, len(w.writes))
	copy(out, w.writes)
	return out
}

// Count returns the number of Write calls recorded.
func (w *RecordingWriter) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writes)
}

// Bytes returns the concatenation of every recorded write.
func (w *RecordingWriter) Bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	var buf bytes.Buffer
	for _, wr := range w.writes {
		buf.Write(wr.Data)
	}
	return buf.Bytes()
}

// HalfClosed returns how many times CloseWrite was called.
func (w *RecordingWriter) HalfClosed() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.halfDone
}

// WaitForCount blocks until at least n writes were recorded or timeout
// passes. It reports whether the count was reached.
func (w *RecordingWriter) WaitForCount(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		w.mu.Lock()
		w.cond.Broadcast()
		w.mu.Unlock()
	})
	defer timer.Stop()

	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.writes) < n {
		if !time.Now().Before(deadline) {
			return false
		}
		w.cond.Wait()
	}
	return true
}
