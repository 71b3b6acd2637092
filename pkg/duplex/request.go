package duplex

import (
	"errors"
	"sync/atomic"
	"time"
)

// opKind is the kind of a caller request.
type opKind uint8

const (
	opRead opKind = iota
	opWrite
	opFlush
	opShutdown
	opKeyUpdate
)

// String returns the operation name.
func (k opKind) String() string {
	switch k {
	case opRead:
		return "READ"
	case opWrite:
		return "WRITE"
	case opFlush:
		return "FLUSH"
	case opShutdown:
		return "SHUTDOWN"
	case opKeyUpdate:
		return "KEY_UPDATE"
	default:
		return "UNKNOWN"
	}
}

// Request claim states.
const (
	reqPending int32 = iota
	reqClaimed
	reqAbandoned
)

// errAbandoned is delivered when the scheduler, not the caller, finalized
// a canceled request. The caller reports its own deadline error instead.
var errAbandoned = errors.New("request abandoned")

type result struct {
	n   int
	err error
}

// request is one pending caller operation.
//
// The caller may give up at any time. The scheduler claims a request before
// it lets the engine touch buf and releases it if the engine would block,
// so a caller that gives up never has its buffer written or its data
// submitted after it returned.
type request struct {
	op        opKind
	buf       []byte
	seq       uint64
	submitted time.Time

	done     chan result // capacity 1, written at most once
	state    atomic.Int32
	canceled atomic.Bool

	awaited bool // scheduler only: already reported as waiting on the peer
}

func newRequest(op opKind, buf []byte, seq uint64) *request {
	return &request{
		op:        op,
		buf:       buf,
		seq:       seq,
		submitted: time.Now(),
		done:      make(chan result, 1),
	}
}

// claim reserves the request for the scheduler.
func (r *request) claim() bool {
	return r.state.CompareAndSwap(reqPending, reqClaimed)
}

// release hands a claimed request back to pending. If the caller canceled
// meanwhile, the scheduler abandons it and reports false.
func (r *request) release() bool {
	r.state.Store(reqPending)
	if r.canceled.Load() && r.state.CompareAndSwap(reqPending, reqAbandoned) {
		r.done <- result{err: errAbandoned}
		return false
	}
	return true
}

// cancel is called by the caller when its deadline passes. It reports true
// if the caller abandoned the request itself; otherwise a result is on its
// way through done.
func (r *request) cancel() bool {
	r.canceled.Store(true)
	return r.state.CompareAndSwap(reqPending, reqAbandoned)
}

// abandoned reports whether the caller gave up on the request.
func (r *request) abandoned() bool {
	return r.state.Load() == reqAbandoned
}

// finish delivers res unless the caller already gave up.
func (r *request) finish(res result) bool {
	if r.state.Load() != reqClaimed && !r.claim() {
		return false
	}
	r.done <- res
	return true
}
