package duplex

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/duplex-tls/duplex-go/pkg/engine"
	"github.com/duplex-tls/duplex-go/pkg/log"
	"github.com/duplex-tls/duplex-go/pkg/transport"
)

// Stream is a full-duplex handle over a protocol engine and a pair of
// transport handles. Read and Write may be called concurrently from
// different goroutines.
type Stream struct {
	id     string
	cfg    Config
	role   engine.Role
	logger *slog.Logger
	events log.Logger

	reader io.Reader
	writer io.Writer

	// Scheduler inputs.
	reqs     chan *request
	inbound  chan inbound
	pumpErr  chan error
	progress chan struct{}
	outq     *outQueue
	sched    *scheduler

	spawner  Spawner
	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
	exited   chan struct{}

	state atomic.Int32
	mu    sync.Mutex
	cause error

	seq          atomic.Uint64
	readTimeout  atomic.Int64
	writeTimeout atomic.Int64
	stats        counters

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New starts a stream over eng using r for transport reads and w for
// transport writes. The engine must not be used by anything else afterwards.
//
// Construction fails with a *SetupError when the configuration is invalid
// or a worker cannot be started; protocol failures are only reported by the
// stream's calls.
func New(eng engine.Engine, r io.Reader, w io.Writer, opts ...Option) (*Stream, error) {
	if eng == nil {
		return nil, &SetupError{Op: "engine", Err: ErrNilEngine}
	}
	if r == nil || w == nil {
		return nil, &SetupError{Op: "transport", Err: ErrNilHandle}
	}

	o := options{cfg: DefaultConfig(), spawner: goSpawner}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, &SetupError{Op: "config", Err: err}
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}
	if o.events == nil {
		o.events = log.NoopLogger{}
	}
	if o.spawner == nil {
		o.spawner = goSpawner
	}

	cfg := o.cfg.withDefaults()
	s := &Stream{
		id:       o.id,
		cfg:      cfg,
		logger:   o.logger,
		events:   o.events,
		reader:   r,
		writer:   w,
		reqs:     make(chan *request),
		inbound:  make(chan inbound, cfg.InboundQueueDepth),
		pumpErr:  make(chan error, 2),
		progress: make(chan struct{}, 1),
		outq:     newOutQueue(),
		spawner:  o.spawner,
		stop:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	if re, ok := eng.(interface{ Role() engine.Role }); ok {
		s.role = re.Role()
	}
	s.readTimeout.Store(int64(cfg.ReadTimeout))
	s.writeTimeout.Store(int64(cfg.WriteTimeout))

	initial := StateEstablished
	if eng.Handshaking() {
		initial = StateHandshaking
	}
	s.state.Store(int32(initial))
	s.sched = newScheduler(s, eng, initial)

	// The read pump goes last: once it runs it may sit in a transport read
	// that only closing the caller's handle would interrupt.
	tasks := []struct {
		name string
		run  func()
	}{
		{"write pump", s.runWritePump},
		{"scheduler", s.sched.run},
		{"read pump", s.runReadPump},
	}
	for _, t := range tasks {
		if err := s.spawn(t.run); err != nil {
			s.halt()
			s.wg.Wait()
			return nil, &SetupError{Op: "spawn " + t.name, Err: err}
		}
	}

	s.debugLog("stream started", "state", initial, "role", s.role)
	return s, nil
}

// NewFromConn starts a stream over conn, split into independent read and
// write handles.
func NewFromConn(eng engine.Engine, conn net.Conn, opts ...Option) (*Stream, error) {
	h, err := transport.Split(conn)
	if err != nil {
		return nil, &SetupError{Op: "split transport", Err: err}
	}
	return New(eng, h.Reader, h.Writer, opts...)
}

func (s *Stream) spawn(task func()) error {
	s.wg.Add(1)
	err := s.spawner(func() {
		defer s.wg.Done()
		task()
	})
	if err != nil {
		s.wg.Done()
	}
	return err
}

// halt stops the scheduler and the write pump.
func (s *Stream) halt() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.outq.close()
	})
}

// ID returns the stream ID.
func (s *Stream) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Stream) State() State {
	return State(s.state.Load())
}

// Stats returns a snapshot of the stream counters.
func (s *Stream) Stats() Stats {
	return s.stats.snapshot()
}

// SetReadTimeout bounds each subsequent Read (0 = no timeout).
func (s *Stream) SetReadTimeout(d time.Duration) {
	s.readTimeout.Store(int64(d))
}

// SetWriteTimeout bounds each subsequent Write, Flush and UpdateKeys
// (0 = no timeout).
func (s *Stream) SetWriteTimeout(d time.Duration) {
	s.writeTimeout.Store(int64(d))
}

// ReadTimeout returns the current read timeout.
func (s *Stream) ReadTimeout() time.Duration {
	return time.Duration(s.readTimeout.Load())
}

// WriteTimeout returns the current write timeout.
func (s *Stream) WriteTimeout() time.Duration {
	return time.Duration(s.writeTimeout.Load())
}

// Read reads decrypted application data into p. It returns 0, io.EOF once
// the peer closed its sending direction cleanly.
func (s *Stream) Read(p []byte) (int, error) {
	return s.ReadContext(context.Background(), p)
}

// ReadContext is Read bounded by ctx as well as the read timeout.
func (s *Stream) ReadContext(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, s.precheck(opRead)
	}
	return s.do(ctx, opRead, p, s.ReadTimeout())
}

// Write submits p for encryption. It may accept fewer bytes than offered;
// the caller resubmits the remainder. Use WriteAll to loop.
func (s *Stream) Write(p []byte) (int, error) {
	return s.WriteContext(context.Background(), p)
}

// WriteContext is Write bounded by ctx as well as the write timeout.
// A write whose deadline passes before the engine accepted it is dropped.
func (s *Stream) WriteContext(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, s.precheck(opWrite)
	}
	return s.do(ctx, opWrite, p, s.WriteTimeout())
}

// WriteAll writes p completely, resubmitting after partial writes.
func (s *Stream) WriteAll(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := s.Write(p[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ReadFull reads exactly len(p) bytes.
func (s *Stream) ReadFull(p []byte) (int, error) {
	return io.ReadFull(s, p)
}

// ReadAll reads until the peer closes cleanly.
func (s *Stream) ReadAll() ([]byte, error) {
	return io.ReadAll(s)
}

// Flush blocks until every byte queued for the transport has been written.
func (s *Stream) Flush() error {
	_, err := s.do(context.Background(), opFlush, nil, s.WriteTimeout())
	return err
}

// UpdateKeys asks the engine to rotate its traffic keys. It fails with
// ErrKeyUpdateUnsupported if the engine cannot, and with ErrNotEstablished
// during the handshake.
func (s *Stream) UpdateKeys() error {
	_, err := s.do(context.Background(), opKeyUpdate, nil, s.WriteTimeout())
	return err
}

// Shutdown sends the close notification, waits until it and everything
// queued before it reached the transport, and half-closes the write handle
// when it supports CloseWrite. It is idempotent: later calls return nil.
func (s *Stream) Shutdown() error {
	if s.State() == StateClosed {
		return nil
	}
	_, err := s.do(context.Background(), opShutdown, nil, s.cfg.CloseTimeout)
	return err
}

// Close shuts the stream down if needed, closes transport handles that
// implement io.Closer and waits for the workers. A worker panic is reported
// here as an ErrFaulted error wrapping ErrWorkerPanic.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		if !s.State().Terminal() {
			if err := s.Shutdown(); err != nil {
				s.debugLog("shutdown during close failed", "error", err)
			}
		}
		s.closing.Store(true)
		s.halt()
		closeHandle(s.reader)
		closeHandle(s.writer)

		joined := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(joined)
		}()
		select {
		case <-joined:
		case <-time.After(s.cfg.CloseTimeout):
			s.closeErr = ErrCloseTimeout
		}

		if cause := s.faultCause(); errors.Is(cause, ErrWorkerPanic) {
			s.closeErr = faulted(cause)
		}
		s.debugLog("stream closed", "state", s.State(), "stats", s.Stats().String())
	})
	return s.closeErr
}

func closeHandle(h any) {
	if c, ok := h.(io.Closer); ok {
		c.Close()
	}
}

// precheck fails calls that cannot succeed without submitting them.
func (s *Stream) precheck(op opKind) error {
	if s.closing.Load() {
		return ErrClosed
	}
	switch s.State() {
	case StateFaulted:
		return s.faultErr()
	case StateClosed:
		if op != opShutdown {
			return ErrClosed
		}
	}
	return nil
}

// do submits a request and waits for its result.
func (s *Stream) do(ctx context.Context, op opKind, buf []byte, timeout time.Duration) (int, error) {
	if err := s.precheck(op); err != nil {
		return 0, err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req := newRequest(op, buf, s.seq.Add(1))
	select {
	case s.reqs <- req:
	case <-ctx.Done():
		return 0, s.deadlineErr(ctx)
	case <-s.exited:
		return 0, s.terminalErr()
	}

	select {
	case res := <-req.done:
		return res.n, res.err
	case <-s.exited:
		return s.resultAfterExit(req)
	case <-ctx.Done():
	}

	if req.cancel() {
		return 0, s.deadlineErr(ctx)
	}
	// The scheduler holds the request; its answer is imminent.
	select {
	case res := <-req.done:
		if res.err == errAbandoned {
			return 0, s.deadlineErr(ctx)
		}
		return res.n, res.err
	case <-s.exited:
		return s.resultAfterExit(req)
	}
}

func (s *Stream) resultAfterExit(req *request) (int, error) {
	select {
	case res := <-req.done:
		return res.n, res.err
	default:
		return 0, s.terminalErr()
	}
}

func (s *Stream) deadlineErr(ctx context.Context) error {
	s.stats.timeouts.Add(1)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}

func (s *Stream) terminalErr() error {
	if s.State() == StateFaulted {
		return s.faultErr()
	}
	return ErrClosed
}

func (s *Stream) setCause(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cause == nil {
		s.cause = err
	}
}

func (s *Stream) faultCause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

func (s *Stream) faultErr() error {
	cause := s.faultCause()
	if cause == nil {
		return ErrFaulted
	}
	return faulted(cause)
}

// publishState stores next and reports the transition.
func (s *Stream) publishState(prev, next State, reason string) {
	s.state.Store(int32(next))
	s.debugLog("state change", "from", prev, "to", next, "reason", reason)
	s.emit(log.Event{
		Layer:    log.LayerStream,
		Category: log.CategoryState,
		StateChange: &log.StateChangeEvent{
			OldState: prev.String(),
			NewState: next.String(),
			Reason:   reason,
		},
	})
}

// emit stamps and forwards an event to the event logger.
func (s *Stream) emit(event log.Event) {
	event.Timestamp = time.Now()
	event.StreamID = s.id
	event.Role = s.role
	s.events.Log(event)
}

// debugLog logs a debug message if logging is enabled.
func (s *Stream) debugLog(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, append([]any{"stream", s.id}, args...)...)
	}
}

// Compile-time interface satisfaction check.
var _ io.ReadWriteCloser = (*Stream)(nil)
