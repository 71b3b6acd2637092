package duplex

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/duplex-tls/duplex-go/pkg/engine"
	"github.com/duplex-tls/duplex-go/pkg/transport"
)

// Control output produced while decoding reaches the transport ahead of a
// data write that was waiting for admission.
func TestControlObligationPreemptsQueuedWrite(t *testing.T) {
	eng := newStubEngine()
	eng.control[1] = []byte("C")
	cfg := testConfig()
	cfg.HighWatermark = 1
	cfg.LowWatermark = 0
	f := newFixture(t, eng, WithConfig(cfg))
	f.out.Hold()

	n, err := f.stream.Write([]byte("W0"))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	writeCh := goWrite(f.stream, []byte("X"))
	assertPending(t, writeCh, "write behind the high watermark")

	readCh := goRead(f.stream, 16)
	f.in.Push([]byte("data"))
	eng.waitDecode(t, 1)

	r := await(t, readCh, "read")
	require.NoError(t, r.err)
	assert.Equal(t, "data", string(r.data))

	f.out.Release()
	w := await(t, writeCh, "write")
	require.NoError(t, w.err)
	assert.Equal(t, 1, w.n)

	require.True(t, f.out.WaitForCount(3, 2*time.Second))
	assert.Equal(t, []string{"W0", "C", "X"}, f.writes())
	assert.Equal(t, int64(1), f.stream.Stats().ControlWrites)
}

func TestWatermarkBackpressure(t *testing.T) {
	cfg := testConfig()
	cfg.HighWatermark = 8
	cfg.LowWatermark = 4
	f := newFixture(t, newStubEngine(), WithConfig(cfg))
	f.out.Hold()

	_, err := f.stream.Write([]byte("aaaa"))
	require.NoError(t, err)
	_, err = f.stream.Write([]byte("bbbb"))
	require.NoError(t, err, "backlog below the high watermark")

	writeCh := goWrite(f.stream, []byte("c"))
	assertPending(t, writeCh, "write at the high watermark")

	// A read is not subject to write admission.
	f.in.Push([]byte("in"))
	n, err := f.stream.Read(make([]byte, 4))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	f.out.Release()
	r := await(t, writeCh, "write")
	require.NoError(t, r.err)
	require.NoError(t, f.stream.Flush())
	assert.Equal(t, []string{"aaaa", "bbbb", "c"}, f.writes())
}

func TestWritesKeepSubmissionOrder(t *testing.T) {
	cfg := testConfig()
	cfg.HighWatermark = 2
	cfg.LowWatermark = 1
	f := newFixture(t, newStubEngine(), WithConfig(cfg))
	f.out.Hold()

	_, err := f.stream.Write([]byte("00"))
	require.NoError(t, err)

	var chans []<-chan ioResult
	for _, p := range []string{"1", "2", "3"} {
		ch := goWrite(f.stream, []byte(p))
		assertPending(t, ch, "write "+p)
		chans = append(chans, ch)
	}

	f.out.Release()
	for i, ch := range chans {
		r := await(t, ch, "write")
		require.NoError(t, r.err, "write %d", i+1)
	}
	require.NoError(t, f.stream.Flush())
	assert.Equal(t, []string{"00", "1", "2", "3"}, f.writes())
}

// A read and a write both parked on the handshake: the one that arrived
// first is retried first once peer bytes land.
func TestDoubleObligationServicesEarliestFirst(t *testing.T) {
	eng := newStubEngine()
	eng.handshaking = true
	f := newFixture(t, eng)

	readCh := goRead(f.stream, 16)
	assertPending(t, readCh, "read during handshake")
	writeCh := goWrite(f.stream, []byte("out"))
	assertPending(t, writeCh, "write during handshake")
	assert.Equal(t, int64(2), f.stream.Stats().ControlReads)

	f.in.Push(append(append([]byte(nil), helloMsg...), "in"...))

	r := await(t, readCh, "read")
	require.NoError(t, r.err)
	assert.Equal(t, "in", string(r.data))
	w := await(t, writeCh, "write")
	require.NoError(t, w.err)

	require.NoError(t, f.stream.Flush())
	assert.Equal(t, []string{"ACK", "out"}, f.writes())
}

func TestShutdownIdempotent(t *testing.T) {
	f := newFixture(t, newStubEngine())

	_, err := f.stream.Write([]byte("last"))
	require.NoError(t, err)
	require.NoError(t, f.stream.Shutdown())
	require.NoError(t, f.stream.Shutdown())
	assert.Equal(t, StateClosed, f.stream.State())

	assert.Equal(t, []string{"last", "CLOSE"}, f.writes())
	assert.Equal(t, 1, f.out.HalfClosed())

	_, err = f.stream.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, f.stream.Flush(), ErrClosed)
	assert.ErrorIs(t, f.stream.UpdateKeys(), ErrClosed)
	assert.Equal(t, 2, f.out.Count())
}

func TestConcurrentShutdown(t *testing.T) {
	f := newFixture(t, newStubEngine())

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.stream.Shutdown()
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "shutdown %d", i)
	}
	assert.Equal(t, []string{"CLOSE"}, f.writes())
	assert.Equal(t, 1, f.out.HalfClosed())
}

func TestShutdownFailsQueuedWrites(t *testing.T) {
	cfg := testConfig()
	cfg.HighWatermark = 1
	cfg.LowWatermark = 0
	f := newFixture(t, newStubEngine(), WithConfig(cfg))
	f.out.Hold()

	_, err := f.stream.Write([]byte("W0"))
	require.NoError(t, err)
	writeCh := goWrite(f.stream, []byte("never"))
	assertPending(t, writeCh, "write behind the high watermark")

	shutdown := make(chan error, 1)
	go func() { shutdown <- f.stream.Shutdown() }()

	r := await(t, writeCh, "write")
	assert.ErrorIs(t, r.err, ErrClosed)
	assert.Equal(t, StateClosingLocal, f.stream.State())

	f.out.Release()
	select {
	case err := <-shutdown:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	assert.Equal(t, []string{"W0", "CLOSE"}, f.writes())
}

func TestShutdownCompletesPendingReads(t *testing.T) {
	f := newFixture(t, newStubEngine())

	readCh := goRead(f.stream, 8)
	assertPending(t, readCh, "read")

	require.NoError(t, f.stream.Shutdown())
	r := await(t, readCh, "read")
	assert.ErrorIs(t, r.err, ErrClosed)
}

func TestCloseTwice(t *testing.T) {
	f := newFixture(t, newStubEngine())

	require.NoError(t, f.stream.Close())
	require.NoError(t, f.stream.Close())
	assert.Equal(t, StateClosed, f.stream.State())
	assert.Equal(t, []string{"CLOSE"}, f.writes())

	_, err := f.stream.Read(make([]byte, 4))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = f.stream.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseUnblocksReader(t *testing.T) {
	f := newFixture(t, newStubEngine())

	readCh := goRead(f.stream, 8)
	assertPending(t, readCh, "read")

	require.NoError(t, f.stream.Close())
	r := await(t, readCh, "read")
	assert.ErrorIs(t, r.err, ErrClosed)
}

func TestReadFaultPropagatesToEveryCaller(t *testing.T) {
	eng := newStubEngine()
	eng.handshaking = true
	f := newFixture(t, eng)

	pending := []<-chan ioResult{
		goRead(f.stream, 8),
		goRead(f.stream, 8),
		goWrite(f.stream, []byte("w1")),
		goWrite(f.stream, []byte("w2")),
	}
	require.Eventually(t, func() bool {
		return f.stream.Stats().ControlReads == 2
	}, 2*time.Second, 5*time.Millisecond, "head read and head write parked")
	time.Sleep(20 * time.Millisecond)

	f.in.Fail(errors.New("connection reset by peer"))

	for i, ch := range pending {
		r := await(t, ch, "pending call")
		require.ErrorIs(t, r.err, ErrFaulted, "call %d", i)
		var te *TransportError
		require.ErrorAs(t, r.err, &te, "call %d", i)
		assert.Equal(t, DirRead, te.Dir)
		assert.Contains(t, r.err.Error(), "connection reset by peer")
	}
	assert.Equal(t, StateFaulted, f.stream.State())

	writes := f.out.Count()
	_, err := f.stream.Read(make([]byte, 8))
	assert.ErrorIs(t, err, ErrFaulted)
	_, err = f.stream.Write([]byte("after"))
	assert.ErrorIs(t, err, ErrFaulted)
	assert.ErrorIs(t, f.stream.Flush(), ErrFaulted)
	assert.ErrorIs(t, f.stream.Shutdown(), ErrFaulted)
	assert.Equal(t, writes, f.out.Count(), "no transport writes after the fault")

	assert.NoError(t, f.stream.Close(), "a transport fault is reported by the calls, not Close")
}

func TestWriteFaultPropagates(t *testing.T) {
	in := transport.NewScriptedReader()
	out := transport.NewFaultyWriter(nil)
	s, err := New(newStubEngine(), in, out, WithConfig(testConfig()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	readCh := goRead(s, 8)
	assertPending(t, readCh, "read")

	out.FailNext(errors.New("broken pipe"))
	_, err = s.Write([]byte("doomed"))
	require.NoError(t, err, "the engine accepted the bytes")

	err = s.Flush()
	require.ErrorIs(t, err, ErrFaulted)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, DirWrite, te.Dir)

	r := await(t, readCh, "read")
	assert.ErrorIs(t, r.err, ErrFaulted)

	calls := out.Calls()
	_, err = s.Write([]byte("more"))
	assert.ErrorIs(t, err, ErrFaulted)
	assert.Equal(t, calls, out.Calls())
	assert.Equal(t, StateFaulted, s.State())
}

func TestShortTransportWriteFaults(t *testing.T) {
	s, err := New(newStubEngine(), transport.NewScriptedReader(), shortWriter{}, WithConfig(testConfig()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.Write([]byte("abcdef"))
	require.NoError(t, err)
	err = s.Flush()
	assert.ErrorIs(t, err, ErrFaulted)
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

func TestProtocolErrorFaults(t *testing.T) {
	m := &mockEngine{}
	m.On("Handshaking").Return(false)
	m.On("PullOutgoing").Return(emptySeq())
	m.On("ReadPlaintext", mock.Anything).Return(0, engine.ErrWouldBlock)
	m.On("PushCiphertext", mock.Anything).Return(0, errors.New("bad record mac"))
	m.On("CloseNotify").Return(nil).Maybe()

	in := transport.NewScriptedReader()
	s, err := New(m, in, transport.NewRecordingWriter(nil), WithConfig(testConfig()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	readCh := goRead(s, 8)
	in.Push([]byte("garbage"))

	r := await(t, readCh, "read")
	require.ErrorIs(t, r.err, ErrFaulted)
	assert.True(t, engine.IsProtocolError(r.err))
	assert.Contains(t, r.err.Error(), "bad record mac")
	assert.Equal(t, StateFaulted, s.State())

	m.AssertCalled(t, "PushCiphertext", []byte("garbage"))
	m.AssertNotCalled(t, "CloseNotify")
}

func TestPartialPushKeepsRemainder(t *testing.T) {
	m := &mockEngine{}
	m.On("Handshaking").Return(false)
	m.On("PullOutgoing").Return(emptySeq())
	m.On("PushCiphertext", []byte("abcdef")).Return(4, nil).Once()
	m.On("PushCiphertext", []byte("efgh")).Return(4, nil).Once()
	m.On("ReadPlaintext", mock.Anything).Return(0, engine.ErrWouldBlock).Once()
	m.On("ReadPlaintext", mock.Anything).Return(0, engine.ErrWouldBlock).Once()
	m.On("ReadPlaintext", mock.Anything).Return(3, nil).Once()
	m.On("CloseNotify").Return(nil).Maybe()

	in := transport.NewScriptedReader()
	s, err := New(m, in, transport.NewRecordingWriter(nil), WithConfig(testConfig()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	readCh := goRead(s, 8)
	assertPending(t, readCh, "read")
	in.Push([]byte("abcdef"))
	time.Sleep(20 * time.Millisecond)
	in.Push([]byte("gh"))

	r := await(t, readCh, "read")
	require.NoError(t, r.err)
	assert.Equal(t, 3, r.n)
	m.AssertExpectations(t)
}

func TestWorkerPanicReportedByClose(t *testing.T) {
	eng := newStubEngine()
	eng.panicPush = true
	f := newFixture(t, eng)

	readCh := goRead(f.stream, 8)
	f.in.Push([]byte("boom"))

	r := await(t, readCh, "read")
	require.ErrorIs(t, r.err, ErrFaulted)
	assert.ErrorIs(t, r.err, ErrWorkerPanic)
	assert.Equal(t, StateFaulted, f.stream.State())

	err := f.stream.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWorkerPanic)
	assert.Contains(t, err.Error(), "stub engine exploded")
}

func TestPumpPanicFaults(t *testing.T) {
	s, err := New(newStubEngine(), panicReader{}, transport.NewRecordingWriter(nil), WithConfig(testConfig()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.Eventually(t, func() bool {
		return s.State() == StateFaulted
	}, 2*time.Second, 5*time.Millisecond)

	_, err = s.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrWorkerPanic)
	assert.ErrorIs(t, s.Close(), ErrWorkerPanic)
}

// shortWriter accepts one byte less than offered.
type shortWriter struct{}

func (shortWriter) Write(p []byte) (int, error) {
	return len(p) - 1, nil
}

type panicReader struct{}

func (panicReader) Read([]byte) (int, error) {
	panic("reader exploded")
}
