package duplex

import (
	"bytes"
	"io"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/duplex-tls/duplex-go/pkg/engine"
	"github.com/duplex-tls/duplex-go/pkg/transport"
)

// Wire tokens understood by stubEngine.
var (
	helloMsg     = []byte("HELLO")
	ackMsg       = []byte("ACK")
	byeMsg       = []byte("BYE")
	closeMsg     = []byte("CLOSE")
	keyUpdateMsg = []byte("KEYUPDATE")
)

// stubEngine is a scriptable engine without encryption: pushed bytes become
// plaintext and written plaintext is queued as-is.
//
// While handshaking it refuses data and drops pushed bytes until HELLO
// arrives, which it answers with ACK. A push containing BYE acts as the peer's close
// notification. control[n] is queued as control output on the n-th push.
type stubEngine struct {
	mu sync.Mutex

	handshaking bool
	plain       []byte
	out         [][]byte
	sentClose   bool
	peerClosed  bool

	control   map[int][]byte
	acceptMax int
	pushErr   error
	panicPush bool

	decodes    int
	keyUpdates int
	decoded    chan int
}

func newStubEngine() *stubEngine {
	return &stubEngine{
		control: make(map[int][]byte),
		decoded: make(chan int, 64),
	}
}

func (e *stubEngine) PushCiphertext(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.panicPush {
		panic("stub engine exploded")
	}
	e.decodes++
	defer func(n int) {
		select {
		case e.decoded <- n:
		default:
		}
	}(e.decodes)

	if e.pushErr != nil {
		return 0, e.pushErr
	}
	consumed := len(p)
	if e.handshaking {
		i := bytes.Index(p, helloMsg)
		if i < 0 {
			return consumed, nil
		}
		e.handshaking = false
		e.out = append(e.out, ackMsg)
		p = p[i+len(helloMsg):]
	}
	if i := bytes.Index(p, byeMsg); i >= 0 {
		e.plain = append(e.plain, p[:i]...)
		e.peerClosed = true
	} else {
		e.plain = append(e.plain, p...)
	}
	if c, ok := e.control[e.decodes]; ok {
		e.out = append(e.out, c)
	}
	return consumed, nil
}

func (e *stubEngine) PullOutgoing() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for {
			e.mu.Lock()
			if len(e.out) == 0 {
				e.mu.Unlock()
				return
			}
			chunk := e.out[0]
			e.out = e.out[1:]
			e.mu.Unlock()
			if !yield(chunk) {
				return
			}
		}
	}
}

func (e *stubEngine) ReadPlaintext(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.plain) > 0 {
		n := copy(p, e.plain)
		e.plain = e.plain[n:]
		return n, nil
	}
	if e.peerClosed {
		return 0, io.EOF
	}
	return 0, engine.ErrWouldBlock
}

func (e *stubEngine) WritePlaintext(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sentClose {
		return 0, engine.NewProtocolError("write", io.ErrClosedPipe)
	}
	if e.handshaking {
		return 0, engine.ErrWouldBlock
	}
	n := len(p)
	if e.acceptMax > 0 && n > e.acceptMax {
		n = e.acceptMax
	}
	e.out = append(e.out, append([]byte(nil), p[:n]...))
	return n, nil
}

func (e *stubEngine) CloseNotify() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.sentClose {
		e.sentClose = true
		e.out = append(e.out, closeMsg)
	}
	return nil
}

func (e *stubEngine) Handshaking() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handshaking
}

func (e *stubEngine) RequestKeyUpdate() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handshaking {
		return engine.ErrWouldBlock
	}
	e.keyUpdates++
	e.out = append(e.out, keyUpdateMsg)
	return nil
}

// waitDecode waits until the engine processed its n-th push.
func (e *stubEngine) waitDecode(t *testing.T, n int) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-e.decoded:
			if got >= n {
				return
			}
		case <-timeout:
			t.Fatalf("engine did not reach decode %d", n)
		}
	}
}

// dataOnlyEngine hides the stub's KeyUpdater implementation.
type dataOnlyEngine struct {
	engine.Engine
}

// mockEngine is a testify mock of engine.Engine.
type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) PushCiphertext(p []byte) (int, error) {
	args := m.Called(p)
	return args.Int(0), args.Error(1)
}

func (m *mockEngine) PullOutgoing() iter.Seq[[]byte] {
	args := m.Called()
	return args.Get(0).(iter.Seq[[]byte])
}

func (m *mockEngine) ReadPlaintext(p []byte) (int, error) {
	args := m.Called(p)
	return args.Int(0), args.Error(1)
}

func (m *mockEngine) WritePlaintext(p []byte) (int, error) {
	args := m.Called(p)
	return args.Int(0), args.Error(1)
}

func (m *mockEngine) CloseNotify() error {
	return m.Called().Error(0)
}

func (m *mockEngine) Handshaking() bool {
	return m.Called().Bool(0)
}

func emptySeq() iter.Seq[[]byte] {
	return func(func([]byte) bool) {}
}

// testConfig keeps close timeouts short so failing tests end quickly.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CloseTimeout = time.Second
	return cfg
}

// fixture is a stream over a scripted reader and a recording writer.
type fixture struct {
	stream *Stream
	eng    *stubEngine
	in     *transport.ScriptedReader
	out    *transport.RecordingWriter
}

func newFixture(t *testing.T, eng *stubEngine, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		eng: eng,
		in:  transport.NewScriptedReader(),
		out: transport.NewRecordingWriter(nil),
	}
	opts = append([]Option{WithConfig(testConfig())}, opts...)
	s, err := New(eng, f.in, f.out, opts...)
	require.NoError(t, err)
	f.stream = s
	t.Cleanup(func() {
		f.out.Release()
		s.Close()
	})
	return f
}

// writes returns the recorded writes as strings.
func (f *fixture) writes() []string {
	var out []string
	for _, w := range f.out.Writes() {
		out = append(out, string(w.Data))
	}
	return out
}

type ioResult struct {
	n    int
	data []byte
	err  error
}

// goRead starts a Read of up to size bytes.
func goRead(s *Stream, size int) <-chan ioResult {
	ch := make(chan ioResult, 1)
	go func() {
		buf := make([]byte, size)
		n, err := s.Read(buf)
		ch <- ioResult{n: n, data: buf[:n], err: err}
	}()
	return ch
}

// goWrite starts a Write of p.
func goWrite(s *Stream, p []byte) <-chan ioResult {
	ch := make(chan ioResult, 1)
	go func() {
		n, err := s.Write(p)
		ch <- ioResult{n: n, err: err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan ioResult, what string) ioResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatalf("%s did not complete", what)
		return ioResult{}
	}
}

func assertPending(t *testing.T, ch <-chan ioResult, what string) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("%s completed early: n=%d err=%v", what, r.n, r.err)
	case <-time.After(30 * time.Millisecond):
	}
}
