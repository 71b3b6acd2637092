package transport

import (
	"io"
	"sync"
	"time"
)

// LinkConfig shapes one direction of a Pipe.
type LinkConfig struct {
	// Latency delays delivery: bytes become readable this long after Write.
	Latency time.Duration

	// WriteDelay blocks each Write call this long before it returns,
	// simulating a slow send syscall.
	WriteDelay time.Duration
}

type chunk struct {
	data    []byte
	readyAt time.Time
}

// link is one direction of a Pipe.
type link struct {
	cfg LinkConfig

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []chunk
	eof    bool // writer half-closed
	broken bool // reader gone
}

func newLink(cfg LinkConfig) *link {
	l := &link{cfg: cfg}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *link) write(p []byte) (int, error) {
	if l.cfg.WriteDelay > 0 {
		time.Sleep(l.cfg.WriteDelay)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.eof || l.broken {
		return 0, io.ErrClosedPipe
	}
	if len(p) == 0 {
		return 0, nil
	}
	l.queue = append(l.queue, chunk{
		data:    append([]byte(nil), p...),
		readyAt: time.Now().Add(l.cfg.Latency),
	})
	l.cond.Broadcast()
	return len(p), nil
}

func (l *link) read(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for {
		if l.broken {
			return 0, io.ErrClosedPipe
		}
		if len(l.queue) > 0 {
			head := &l.queue[0]
			if wait := time.Until(head.readyAt); wait > 0 {
				l.mu.Unlock()
				time.Sleep(wait)
				l.mu.Lock()
				continue
			}
			n := copy(p, head.data)
			head.data = head.data[n:]
			if len(head.data) == 0 {
				l.queue = l.queue[1:]
			}
			return n, nil
		}
		if l.eof {
			return 0, io.EOF
		}
		l.cond.Wait()
	}
}

func (l *link) closeWrite() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.eof = true
	l.cond.Broadcast()
}

func (l *link) closeRead() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.broken = true
	l.queue = nil
	l.cond.Broadcast()
}

// PipeEnd is one endpoint of a Pipe.
// One goroutine may read while another writes.
type PipeEnd struct {
	in  *link
	out *link
}

// Pipe returns two connected endpoints. Bytes written to a are read from b
// after aToB's latency and vice versa. Writes never block on the reader.
func Pipe(aToB, bToA LinkConfig) (a, b *PipeEnd) {
	ab, ba := newLink(aToB), newLink(bToA)
	return &PipeEnd{in: ba, out: ab}, &PipeEnd{in: ab, out: ba}
}

// Read reads bytes the peer wrote, returning io.EOF after the peer called
// CloseWrite and everything before it was consumed.
func (e *PipeEnd) Read(p []byte) (int, error) {
	return e.in.read(p)
}

// Write queues p for the peer.
func (e *PipeEnd) Write(p []byte) (int, error) {
	return e.out.write(p)
}

// CloseWrite signals end-of-stream to the peer.
func (e *PipeEnd) CloseWrite() error {
	e.out.closeWrite()
	return nil
}

// CloseRead discards unread bytes; later peer writes fail.
func (e *PipeEnd) CloseRead() error {
	e.in.closeRead()
	return nil
}

// Close closes both directions.
func (e *PipeEnd) Close() error {
	e.out.closeWrite()
	e.in.closeRead()
	return nil
}
