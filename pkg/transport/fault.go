package transport

import (
	"io"
	"sync"
	"sync/atomic"
)

// ScriptedReader delivers exactly what a test pushes into it.
// Read blocks until data, an error, or end-of-stream is pushed.
type ScriptedReader struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	err    error
	calls  atomic.Int64
	closed bool
}

// NewScriptedReader returns an empty reader.
func NewScriptedReader() *ScriptedReader {
	r := &ScriptedReader{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Push makes p readable.
func (r *ScriptedReader) Push(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, p...)
	r.cond.Broadcast()
}

// Fail makes Read return err once buffered bytes are consumed.
func (r *ScriptedReader) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
	}
	r.cond.Broadcast()
}

// EOF ends the stream after buffered bytes.
func (r *ScriptedReader) EOF() {
	r.Fail(io.EOF)
}

// Read implements io.Reader.
func (r *ScriptedReader) Read(p []byte) (int, error) {
	r.calls.Add(1)

	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.buf) == 0 && r.err == nil && !r.closed {
		r.cond.Wait()
	}
	if len(r.buf) > 0 {
		n := copy(p, r.buf)
		r.buf = r.buf[n:]
		return n, nil
	}
	if r.closed {
		return 0, io.ErrClosedPipe
	}
	return 0, r.err
}

// Close unblocks readers with io.ErrClosedPipe.
func (r *ScriptedReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.cond.Broadcast()
	return nil
}

// Calls returns how many times Read was entered.
func (r *ScriptedReader) Calls() int64 {
	return r.calls.Load()
}

// FaultyWriter forwards to an inner writer until a fault is armed.
type FaultyWriter struct {
	next io.Writer

	mu      sync.Mutex
	failAt  int64 // call number that starts failing, 0 = never
	failErr error
	calls   int64
}

// NewFaultyWriter returns a writer forwarding to next (nil discards).
func NewFaultyWriter(next io.Writer) *FaultyWriter {
	return &FaultyWriter{next: next}
}

// FailNext makes the next Write and every later one return err.
func (w *FaultyWriter) FailNext(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failAt = w.calls + 1
	w.failErr = err
}

// FailAt makes the n-th Write (1-based) and every later one return err.
func (w *FaultyWriter) FailAt(n int64, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failAt = n
	w.failErr = err
}

// Write implements io.Writer.
func (w *FaultyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.calls++
	failing := w.failAt > 0 && w.calls >= w.failAt
	err := w.failErr
	w.mu.Unlock()

	if failing {
		return 0, err
	}
	if w.next == nil {
		return len(p), nil
	}
	return w.next.Write(p)
}

// Calls returns how many times Write was entered.
func (w *FaultyWriter) Calls() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}
