package duplex

import "sync"

// chunkKind records why the scheduler drained bytes from the engine.
type chunkKind uint8

const (
	kindControl chunkKind = iota
	kindData
)

type outChunk struct {
	data      []byte
	kind      chunkKind
	halfClose bool
}

// outQueue carries engine output from the scheduler to the write pump.
//
// Records are sequenced by the engine, so the queue is strictly FIFO;
// control priority is applied earlier, when the scheduler decides which
// request the engine services next. The backlog counts queued bytes plus
// the chunk currently being written.
type outQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []outChunk

	backlog    int
	busy       bool
	halfClosed bool
	closed     bool
}

func newOutQueue() *outQueue {
	q := &outQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends data. It reports false once the queue is closed.
func (q *outQueue) push(data []byte, kind chunkKind) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, outChunk{data: data, kind: kind})
	q.backlog += len(data)
	q.cond.Signal()
	return true
}

// pushHalfClose asks the pump to half-close the transport once everything
// queued before it was written.
func (q *outQueue) pushHalfClose() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, outChunk{halfClose: true})
	q.cond.Signal()
	return true
}

// pop blocks until a chunk is available or the queue is closed.
func (q *outQueue) pop() (outChunk, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return outChunk{}, false
	}
	c := q.items[0]
	q.items[0] = outChunk{}
	q.items = q.items[1:]
	q.busy = true
	return c, true
}

// done marks c as written and returns the remaining backlog.
func (q *outQueue) done(c outChunk) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.backlog -= len(c.data)
	q.busy = false
	if c.halfClose {
		q.halfClosed = true
	}
	return q.backlog
}

// Backlog returns bytes queued or being written.
func (q *outQueue) Backlog() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backlog
}

// idle reports whether nothing is queued or being written.
func (q *outQueue) idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0 && !q.busy
}

// finished reports whether a requested half-close has been performed.
func (q *outQueue) finished() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.halfClosed
}

// close drops queued chunks and stops the pump.
func (q *outQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.items = nil
	q.cond.Broadcast()
}
