package sealed

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"iter"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/duplex-tls/duplex-go/pkg/engine"
	"github.com/duplex-tls/duplex-go/pkg/engine/record"
)

// DefaultMaxPendingOutgoing is the default bound on bytes queued for the
// transport before WritePlaintext starts refusing data (64 KB).
const DefaultMaxPendingOutgoing = 65536

// sealOverhead is the per-record cost of protecting a fragment.
const sealOverhead = record.HeaderSize + 1 + chacha20poly1305.Overhead

// Engine errors.
var (
	ErrUnexpectedHello = errors.New("unexpected hello")
	ErrRoleMismatch    = errors.New("peer announced the same role")
	ErrNotEstablished  = errors.New("sealed record before handshake completed")
	ErrDataAfterClose  = errors.New("data received after close notification")
	ErrClosed          = errors.New("close notification already sent")
	ErrDecrypt         = errors.New("record authentication failed")
)

// Config configures an Engine.
type Config struct {
	// Role selects the handshake side.
	Role engine.Role

	// MaxPendingOutgoing bounds queued outgoing bytes (default: 64KB).
	// Application data beyond the bound is refused or partially accepted;
	// control records are always queued. Values too small to hold one byte
	// of sealed data are raised to that minimum.
	MaxPendingOutgoing int

	// MaxFragment bounds the plaintext accepted per WritePlaintext call
	// (default and maximum: record.MaxPlaintextSize).
	MaxFragment int

	// Rand is the entropy source (default: crypto/rand.Reader).
	Rand io.Reader
}

type handshakeState uint8

const (
	stateAwaitServerHello handshakeState = iota
	stateAwaitClientHello
	stateEstablished
)

// Engine is a sans-I/O protocol engine. It is not safe for concurrent use.
type Engine struct {
	cfg Config

	state  handshakeState
	priv   []byte
	pub    []byte
	random []byte

	parser record.Parser
	out    [][]byte
	outLen int
	plain  []byte

	send *trafficKeys
	recv *trafficKeys

	sentClose bool
	recvClose bool
	failure   error
}

// New creates an engine for cfg.Role. A client engine queues its hello
// immediately, so the first PullOutgoing already yields bytes.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.MaxPendingOutgoing <= 0:
		cfg.MaxPendingOutgoing = DefaultMaxPendingOutgoing
	case cfg.MaxPendingOutgoing <= sealOverhead:
		cfg.MaxPendingOutgoing = sealOverhead + 1
	}
	if cfg.MaxFragment <= 0 || cfg.MaxFragment > record.MaxPlaintextSize {
		cfg.MaxFragment = record.MaxPlaintextSize
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}

	e := &Engine{cfg: cfg}

	e.priv = make([]byte, keySize)
	if _, err := io.ReadFull(cfg.Rand, e.priv); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	pub, err := curve25519.X25519(e.priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	e.pub = pub

	e.random = make([]byte, randomSize)
	if _, err := io.ReadFull(cfg.Rand, e.random); err != nil {
		return nil, fmt.Errorf("generate random: %w", err)
	}

	switch cfg.Role {
	case engine.RoleClient:
		e.state = stateAwaitServerHello
		if err := e.queueHello(); err != nil {
			return nil, err
		}
	case engine.RoleServer:
		e.state = stateAwaitClientHello
	default:
		return nil, fmt.Errorf("invalid role %v", cfg.Role)
	}

	return e, nil
}

// NewClient is shorthand for New with RoleClient.
func NewClient() (*Engine, error) {
	return New(Config{Role: engine.RoleClient})
}

// NewServer is shorthand for New with RoleServer.
func NewServer() (*Engine, error) {
	return New(Config{Role: engine.RoleServer})
}

// Role returns the engine's role.
func (e *Engine) Role() engine.Role {
	return e.cfg.Role
}

// Handshaking reports whether the hellos have not yet been exchanged.
func (e *Engine) Handshaking() bool {
	return e.state != stateEstablished
}

// SendEpoch returns how many times the sending keys have been updated.
func (e *Engine) SendEpoch() uint32 {
	if e.send == nil {
		return 0
	}
	return e.send.epoch
}

// RecvEpoch returns how many times the receiving keys have been updated.
func (e *Engine) RecvEpoch() uint32 {
	if e.recv == nil {
		return 0
	}
	return e.recv.epoch
}

// PushCiphertext implements engine.Engine.
func (e *Engine) PushCiphertext(p []byte) (int, error) {
	if e.failure != nil {
		return 0, e.failure
	}
	n := e.parser.Write(p)
	for {
		rec, ok, err := e.parser.Next()
		if err != nil {
			return n, e.fail("push", err)
		}
		if !ok {
			return n, nil
		}
		if err := e.handleRecord(rec); err != nil {
			return n, e.fail("push", err)
		}
	}
}

// PullOutgoing implements engine.Engine. Each yielded chunk is one record.
func (e *Engine) PullOutgoing() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for len(e.out) > 0 {
			rec := e.out[0]
			e.out[0] = nil
			e.out = e.out[1:]
			e.outLen -= len(rec)
			if !yield(rec) {
				return
			}
		}
	}
}

// ReadPlaintext implements engine.Engine.
func (e *Engine) ReadPlaintext(p []byte) (int, error) {
	if len(e.plain) > 0 {
		n := copy(p, e.plain)
		e.plain = e.plain[n:]
		return n, nil
	}
	if e.failure != nil {
		return 0, e.failure
	}
	if e.recvClose {
		return 0, io.EOF
	}
	return 0, engine.ErrWouldBlock
}

// WritePlaintext implements engine.Engine. At most MaxFragment bytes are
// accepted per call, fewer when the outgoing queue is close to its bound.
func (e *Engine) WritePlaintext(p []byte) (int, error) {
	if e.failure != nil {
		return 0, e.failure
	}
	if e.sentClose {
		return 0, engine.NewProtocolError("write", ErrClosed)
	}
	if e.state != stateEstablished {
		return 0, engine.ErrWouldBlock
	}
	if len(p) == 0 {
		return 0, nil
	}

	room := e.cfg.MaxPendingOutgoing - e.outLen - sealOverhead
	if room <= 0 {
		return 0, engine.ErrWouldBlock
	}
	n := min(len(p), e.cfg.MaxFragment, room)
	if err := e.queueSealed(innerData, p[:n]); err != nil {
		return 0, e.fail("write", err)
	}
	return n, nil
}

// CloseNotify implements engine.Engine. Before the handshake completes there
// are no keys to protect the notification with, so nothing is sent.
func (e *Engine) CloseNotify() error {
	if e.failure != nil {
		return e.failure
	}
	if e.sentClose {
		return nil
	}
	if e.state == stateEstablished {
		if err := e.queueControl(&control{Type: controlCloseNotify}); err != nil {
			return e.fail("close", err)
		}
	}
	e.sentClose = true
	return nil
}

// RequestKeyUpdate implements engine.KeyUpdater.
func (e *Engine) RequestKeyUpdate() error {
	if e.failure != nil {
		return e.failure
	}
	if e.state != stateEstablished {
		return engine.ErrWouldBlock
	}
	if e.sentClose {
		return engine.NewProtocolError("key update", ErrClosed)
	}
	if err := e.sendKeyUpdate(true); err != nil {
		return e.fail("key update", err)
	}
	return nil
}

func (e *Engine) fail(op string, err error) error {
	if e.failure == nil {
		e.failure = engine.NewProtocolError(op, err)
	}
	return e.failure
}

func (e *Engine) queue(rec []byte) {
	e.out = append(e.out, rec)
	e.outLen += len(rec)
}

func (e *Engine) queueHello() error {
	body, err := encodeHello(&hello{
		Role:      uint8(e.cfg.Role),
		Random:    e.random,
		PublicKey: e.pub,
	})
	if err != nil {
		return fmt.Errorf("encode hello: %w", err)
	}
	rec, err := record.Append(nil, record.TypeHello, body)
	if err != nil {
		return err
	}
	e.queue(rec)
	return nil
}

func (e *Engine) queueSealed(inner byte, body []byte) error {
	plaintext := make([]byte, 0, len(body)+1)
	plaintext = append(plaintext, body...)
	plaintext = append(plaintext, inner)

	var hdr [record.HeaderSize]byte
	hdr[0] = byte(record.TypeSealed)
	length := len(plaintext) + chacha20poly1305.Overhead
	hdr[1] = byte(length >> 8)
	hdr[2] = byte(length)

	rec := make([]byte, 0, record.HeaderSize+length)
	rec = append(rec, hdr[:]...)
	rec, err := e.send.seal(rec, hdr[:], plaintext)
	if err != nil {
		return err
	}
	e.queue(rec)
	return nil
}

func (e *Engine) queueControl(c *control) error {
	body, err := encodeControl(c)
	if err != nil {
		return fmt.Errorf("encode %s: %w", c.Type, err)
	}
	return e.queueSealed(innerControl, body)
}

// sendKeyUpdate queues a key update protected with the current keys, then
// moves the sending direction to the next secret.
func (e *Engine) sendKeyUpdate(requestUpdate bool) error {
	if err := e.queueControl(&control{Type: controlKeyUpdate, RequestUpdate: requestUpdate}); err != nil {
		return err
	}
	return e.send.update()
}

func (e *Engine) handleRecord(rec record.Record) error {
	switch rec.Type {
	case record.TypeHello:
		return e.handleHello(rec.Payload)
	case record.TypeSealed:
		return e.handleSealed(rec.Payload)
	default:
		return fmt.Errorf("%w: %v", record.ErrUnknownType, rec.Type)
	}
}

func (e *Engine) handleHello(payload []byte) error {
	want := engine.RoleServer
	if e.state == stateAwaitClientHello {
		want = engine.RoleClient
	} else if e.state != stateAwaitServerHello {
		return ErrUnexpectedHello
	}

	h, err := decodeHello(payload)
	if err != nil {
		return err
	}
	if engine.Role(h.Role) != want {
		return ErrRoleMismatch
	}

	if e.state == stateAwaitClientHello {
		if err := e.queueHello(); err != nil {
			return err
		}
	}

	shared, err := curve25519.X25519(e.priv, h.PublicKey)
	if err != nil {
		return fmt.Errorf("key exchange: %w", err)
	}

	clientRandom, serverRandom := e.random, h.Random
	if e.cfg.Role == engine.RoleServer {
		clientRandom, serverRandom = h.Random, e.random
	}
	clientSecret, serverSecret := deriveSecrets(shared, clientRandom, serverRandom)

	sendSecret, recvSecret := clientSecret, serverSecret
	if e.cfg.Role == engine.RoleServer {
		sendSecret, recvSecret = serverSecret, clientSecret
	}
	if e.send, err = newTrafficKeys(sendSecret); err != nil {
		return err
	}
	if e.recv, err = newTrafficKeys(recvSecret); err != nil {
		return err
	}

	e.state = stateEstablished
	return nil
}

func (e *Engine) handleSealed(payload []byte) error {
	if e.state != stateEstablished {
		return ErrNotEstablished
	}

	var hdr [record.HeaderSize]byte
	hdr[0] = byte(record.TypeSealed)
	hdr[1] = byte(len(payload) >> 8)
	hdr[2] = byte(len(payload))

	plaintext, err := e.recv.open(hdr[:], payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(plaintext) == 0 {
		return record.ErrRecordEmpty
	}

	inner := plaintext[len(plaintext)-1]
	body := plaintext[:len(plaintext)-1]

	switch inner {
	case innerData:
		if e.recvClose {
			return ErrDataAfterClose
		}
		e.plain = append(e.plain, body...)
		return nil
	case innerControl:
		c, err := decodeControl(body)
		if err != nil {
			return err
		}
		return e.handleControl(c)
	default:
		return fmt.Errorf("unknown inner type 0x%02x", inner)
	}
}

func (e *Engine) handleControl(c *control) error {
	switch c.Type {
	case controlKeyUpdate:
		if err := e.recv.update(); err != nil {
			return err
		}
		if c.RequestUpdate && !e.sentClose {
			return e.sendKeyUpdate(false)
		}
		return nil
	case controlCloseNotify:
		e.recvClose = true
		return nil
	default:
		return fmt.Errorf("unhandled control type %v", c.Type)
	}
}

// Compile-time interface satisfaction checks.
var (
	_ engine.Engine     = (*Engine)(nil)
	_ engine.KeyUpdater = (*Engine)(nil)
)
