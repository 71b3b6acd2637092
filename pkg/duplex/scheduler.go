package duplex

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/duplex-tls/duplex-go/pkg/engine"
	"github.com/duplex-tls/duplex-go/pkg/log"
)

// scheduler owns the engine. Every field is confined to the scheduler
// goroutine.
//
// Each iteration first services control obligations: engine output produced
// while decoding goes to the transport immediately, and peer bytes that a
// parked request waits for are consumed before any new data request is
// looked at. Only then does it block on the next event.
type scheduler struct {
	s     *Stream
	eng   engine.Engine
	ku    engine.KeyUpdater
	rekey *rekeyer
	state State

	// In-flight slots. The head of reads and of writes may be parked on the
	// engine at the same time; the rest wait in arrival order.
	reads     []*request
	writes    []*request
	flushes   []*request
	shutdowns []*request

	pending      []byte // ciphertext the engine has not consumed yet
	writeBlocked bool   // head write needs peer bytes
	stalled      bool   // backlog crossed the high watermark
	closing      bool   // close notification queued
	transportEOF bool
}

func newScheduler(s *Stream, eng engine.Engine, initial State) *scheduler {
	sc := &scheduler{
		s:     s,
		eng:   eng,
		rekey: newRekeyer(s.cfg.RekeyInterval),
		state: initial,
	}
	if ku, ok := eng.(engine.KeyUpdater); ok {
		sc.ku = ku
	}
	return sc
}

func (sc *scheduler) run() {
	defer close(sc.s.exited)
	defer sc.rekey.stop()
	defer func() {
		if r := recover(); r != nil {
			sc.fault(fmt.Errorf("%w in scheduler: %v", ErrWorkerPanic, r))
		}
	}()

	// A client engine has its opening flight ready before any request.
	sc.drain(kindControl, "start")
	if sc.state == StateEstablished && sc.ku != nil {
		sc.rekey.start()
	}

	for {
		sc.service()

		select {
		case err := <-sc.s.pumpErr:
			sc.fault(err)
			continue
		default:
		}
		in := sc.inboundChan()
		if in != nil {
			select {
			case ev := <-in:
				sc.receive(ev)
				continue
			default:
			}
		}

		select {
		case <-sc.s.stop:
			sc.failAll(ErrClosed)
			return
		case err := <-sc.s.pumpErr:
			sc.fault(err)
		case ev := <-in:
			sc.receive(ev)
		case req := <-sc.s.reqs:
			sc.accept(req)
		case <-sc.s.progress:
		case <-sc.rekey.C():
			sc.periodicKeyUpdate()
		}
	}
}

// inboundChan returns the inbound channel during the handshake and while a
// request waits for peer bytes, nil otherwise. The handshake must progress
// with no caller waiting, or a peer blocked on our answer never gets it.
// Other ciphertext stays with the read pump, which stops reading once its
// queue is full.
func (sc *scheduler) inboundChan() <-chan inbound {
	if sc.state.Terminal() || sc.transportEOF {
		return nil
	}
	if sc.state == StateHandshaking || len(sc.reads) > 0 || sc.writeBlocked {
		return sc.s.inbound
	}
	return nil
}

func (sc *scheduler) accept(req *request) {
	switch sc.state {
	case StateFaulted:
		sc.complete(req, 0, sc.s.faultErr())
		return
	case StateClosed:
		if req.op == opShutdown {
			sc.complete(req, 0, nil)
		} else {
			sc.complete(req, 0, ErrClosed)
		}
		return
	}

	switch req.op {
	case opRead:
		sc.reads = append(sc.reads, req)
	case opWrite:
		if !sc.state.canWrite() {
			sc.complete(req, 0, ErrClosed)
			return
		}
		sc.writes = append(sc.writes, req)
	case opFlush:
		sc.flushes = append(sc.flushes, req)
	case opShutdown:
		sc.shutdowns = append(sc.shutdowns, req)
		sc.startShutdown()
	case opKeyUpdate:
		sc.keyUpdate(req)
	}
}

// receive feeds one transport read to the engine.
func (sc *scheduler) receive(ev inbound) {
	if ev.err != nil {
		if errors.Is(ev.err, io.EOF) {
			sc.transportEOF = true
			sc.s.debugLog("transport EOF", "pending", len(sc.pending))
			return
		}
		sc.fault(&TransportError{Dir: DirRead, Err: ev.err})
		return
	}

	data := ev.data
	if len(sc.pending) > 0 {
		sc.pending = append(sc.pending, data...)
		data = sc.pending
	}
	n, err := sc.eng.PushCiphertext(data)
	sc.pending = append(sc.pending[:0], data[n:]...)
	if err != nil {
		sc.fault(protocolError("push", err))
		return
	}

	sc.drain(kindControl, "read")
	if sc.state == StateHandshaking && !sc.eng.Handshaking() {
		sc.setState(StateEstablished, "handshake complete")
		if sc.ku != nil {
			sc.rekey.start()
		}
	}
}

// service runs parked and queued requests until none can progress.
func (sc *scheduler) service() {
	for !sc.state.Terminal() {
		progressed := false

		// Double obligation: a read that wrote control bytes has already
		// queued them, so only the peer-bound side remains. The request
		// that arrived first is retried first.
		if sc.readFirst() {
			if sc.serviceReads() {
				progressed = true
			}
			if sc.serviceWrites() {
				progressed = true
			}
		} else {
			if sc.serviceWrites() {
				progressed = true
			}
			if sc.serviceReads() {
				progressed = true
			}
		}
		if sc.serviceFlushes() {
			progressed = true
		}
		if sc.serviceShutdown() {
			progressed = true
		}

		if !progressed {
			return
		}
	}
}

func (sc *scheduler) readFirst() bool {
	if len(sc.writes) == 0 {
		return true
	}
	return len(sc.reads) > 0 && sc.reads[0].seq < sc.writes[0].seq
}

func (sc *scheduler) serviceReads() bool {
	progressed := false
	for len(sc.reads) > 0 && !sc.state.Terminal() {
		req := sc.reads[0]
		if !req.claim() {
			sc.reads = sc.reads[1:]
			progressed = true
			continue
		}

		n, err := sc.eng.ReadPlaintext(req.buf)
		if n == 0 && err == nil {
			err = engine.ErrWouldBlock
		}
		switch {
		case err == nil:
			sc.reads = sc.reads[1:]
			sc.s.stats.bytesRead.Add(int64(n))
			sc.complete(req, n, nil)
		case errors.Is(err, io.EOF):
			sc.reads = sc.reads[1:]
			sc.remoteClosed()
			sc.complete(req, 0, io.EOF)
		case errors.Is(err, engine.ErrWouldBlock):
			if !req.release() {
				sc.reads = sc.reads[1:]
				progressed = true
				continue
			}
			if sc.transportEOF {
				sc.fault(&TransportError{Dir: DirRead, Err: io.ErrUnexpectedEOF})
				return true
			}
			sc.awaitPeer(req)
			return progressed
		default:
			sc.fault(protocolError("read", err))
			return true
		}

		sc.drain(kindControl, "read")
		progressed = true
	}
	return progressed
}

func (sc *scheduler) serviceWrites() bool {
	progressed := false
	sc.writeBlocked = false
	for len(sc.writes) > 0 && !sc.state.Terminal() {
		req := sc.writes[0]
		if req.abandoned() {
			sc.writes = sc.writes[1:]
			progressed = true
			continue
		}
		if !sc.state.canWrite() {
			sc.writes = sc.writes[1:]
			sc.complete(req, 0, ErrClosed)
			progressed = true
			continue
		}
		if sc.backpressured() {
			return progressed
		}
		if !req.claim() {
			sc.writes = sc.writes[1:]
			progressed = true
			continue
		}

		n, err := sc.eng.WritePlaintext(req.buf)
		if n == 0 && err == nil {
			err = engine.ErrWouldBlock
		}
		switch {
		case err == nil:
			sc.writes = sc.writes[1:]
			sc.drain(kindData, "write")
			sc.s.stats.bytesWritten.Add(int64(n))
			sc.complete(req, n, nil)
		case errors.Is(err, engine.ErrWouldBlock):
			live := req.release()
			sc.drain(kindControl, "write")
			if !live {
				sc.writes = sc.writes[1:]
				progressed = true
				continue
			}
			if sc.transportEOF {
				sc.fault(&TransportError{Dir: DirRead, Err: io.ErrUnexpectedEOF})
				return true
			}
			sc.writeBlocked = true
			sc.awaitPeer(req)
			return progressed
		default:
			sc.fault(protocolError("write", err))
			return true
		}
		progressed = true
	}
	return progressed
}

// backpressured applies the watermarks to write admission.
func (sc *scheduler) backpressured() bool {
	backlog := sc.s.outq.Backlog()
	if sc.stalled {
		if backlog > sc.s.cfg.LowWatermark {
			return true
		}
		sc.stalled = false
		sc.s.debugLog("write admission resumed", "backlog", backlog)
	}
	if backlog >= sc.s.cfg.HighWatermark {
		sc.stalled = true
		sc.s.debugLog("write admission paused", "backlog", backlog)
		return true
	}
	return false
}

func (sc *scheduler) serviceFlushes() bool {
	if len(sc.flushes) == 0 || !sc.s.outq.idle() {
		return false
	}
	for _, req := range sc.flushes {
		sc.complete(req, 0, nil)
	}
	sc.flushes = nil
	return true
}

func (sc *scheduler) startShutdown() {
	if sc.closing {
		return
	}
	sc.closing = true
	sc.setState(StateClosingLocal, "shutdown requested")

	for _, req := range sc.writes {
		sc.complete(req, 0, ErrClosed)
	}
	sc.writes = nil
	sc.writeBlocked = false

	if err := sc.eng.CloseNotify(); err != nil {
		sc.fault(protocolError("close", err))
		return
	}
	sc.drain(kindControl, "shutdown")
	sc.s.outq.pushHalfClose()
}

func (sc *scheduler) serviceShutdown() bool {
	if !sc.closing || !sc.s.outq.finished() {
		return false
	}
	sc.setState(StateClosed, "shutdown complete")
	sc.rekey.stop()
	for _, req := range sc.shutdowns {
		sc.complete(req, 0, nil)
	}
	sc.shutdowns = nil
	sc.failAll(ErrClosed)
	return true
}

func (sc *scheduler) remoteClosed() {
	switch sc.state {
	case StateHandshaking, StateEstablished:
		sc.setState(StateClosingRemote, "peer close notification")
	}
}

func (sc *scheduler) keyUpdate(req *request) {
	if sc.ku == nil {
		sc.complete(req, 0, ErrKeyUpdateUnsupported)
		return
	}
	switch sc.state {
	case StateHandshaking:
		sc.complete(req, 0, ErrNotEstablished)
		return
	case StateClosingLocal:
		sc.complete(req, 0, ErrClosed)
		return
	}
	sc.complete(req, 0, sc.requestKeyUpdate("caller"))
}

func (sc *scheduler) periodicKeyUpdate() {
	if sc.state != StateEstablished && sc.state != StateClosingRemote {
		return
	}
	if err := sc.requestKeyUpdate("rekey"); err != nil {
		sc.s.debugLog("periodic key update failed", "error", err)
	}
}

func (sc *scheduler) requestKeyUpdate(trigger string) error {
	err := sc.ku.RequestKeyUpdate()
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrWouldBlock):
		return ErrNotEstablished
	default:
		sc.fault(protocolError("key update", err))
		return sc.s.faultErr()
	}

	sc.drain(kindControl, trigger)
	sc.s.stats.keyUpdates.Add(1)
	sc.rekey.updated()
	return nil
}

// drain moves everything the engine wants written to the write pump.
func (sc *scheduler) drain(kind chunkKind, trigger string) int {
	total := 0
	for chunk := range sc.eng.PullOutgoing() {
		if len(chunk) == 0 {
			continue
		}
		sc.s.outq.push(append([]byte(nil), chunk...), kind)
		total += len(chunk)
	}
	if total > 0 && kind == kindControl {
		sc.s.stats.controlWrites.Add(1)
		sc.s.emit(log.Event{
			Direction: log.DirectionOut,
			Layer:     log.LayerEngine,
			Category:  log.CategoryControl,
			Obligation: &log.ObligationEvent{
				Kind:    log.ObligationControlWrite,
				Size:    total,
				Trigger: trigger,
			},
		})
	}
	return total
}

// awaitPeer records that req needs peer bytes, once per request.
func (sc *scheduler) awaitPeer(req *request) {
	if req.awaited {
		return
	}
	req.awaited = true
	sc.s.stats.controlReads.Add(1)
	sc.s.emit(log.Event{
		Direction: log.DirectionIn,
		Layer:     log.LayerEngine,
		Category:  log.CategoryControl,
		Obligation: &log.ObligationEvent{
			Kind:    log.ObligationControlRead,
			Trigger: req.op.String(),
		},
	})
}

func (sc *scheduler) complete(req *request, n int, err error) {
	if !req.finish(result{n: n, err: err}) {
		return
	}

	category := log.CategoryControl
	switch req.op {
	case opRead:
		category = log.CategoryData
		if err == nil {
			sc.s.stats.reads.Add(1)
		}
	case opWrite:
		category = log.CategoryData
		if err == nil {
			sc.s.stats.writes.Add(1)
		}
	}

	ev := &log.RequestEvent{
		Op:      req.op.String(),
		Bytes:   n,
		Latency: time.Since(req.submitted),
	}
	if err != nil {
		ev.Err = err.Error()
	}
	sc.s.emit(log.Event{Layer: log.LayerStream, Category: category, Request: ev})
}

func (sc *scheduler) failAll(err error) {
	for _, lane := range []*[]*request{&sc.reads, &sc.writes, &sc.flushes, &sc.shutdowns} {
		for _, req := range *lane {
			sc.complete(req, 0, err)
		}
		*lane = nil
	}
	sc.writeBlocked = false
}

// fault moves to FAULTED and fails every pending request. No transport I/O
// happens afterwards.
func (sc *scheduler) fault(err error) {
	if sc.state.Terminal() {
		return
	}
	sc.s.setCause(err)
	sc.s.outq.close()
	sc.rekey.stop()
	sc.pending = nil

	layer := log.LayerEngine
	var te *TransportError
	if errors.As(err, &te) {
		layer = log.LayerTransport
	}
	sc.s.emit(log.Event{
		Layer:    layer,
		Category: log.CategoryError,
		Error:    &log.ErrorEventData{Layer: layer, Message: err.Error(), Context: sc.state.String()},
	})
	sc.setState(StateFaulted, err.Error())
	sc.failAll(faulted(err))
}

func (sc *scheduler) setState(next State, reason string) {
	if sc.state == next {
		return
	}
	prev := sc.state
	sc.state = next
	sc.s.publishState(prev, next, reason)
}

// protocolError makes sure engine failures carry the ProtocolError type.
func protocolError(op string, err error) error {
	if engine.IsProtocolError(err) {
		return err
	}
	return engine.NewProtocolError(op, err)
}
