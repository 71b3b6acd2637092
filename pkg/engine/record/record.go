// Package record implements the record framing used by the sealed engine.
//
// A record is a 3-byte header followed by its payload:
//
//	┌──────┬───────────────┬─────────────────────┐
//	│ type │ length (BE16) │ payload (length B)  │
//	└──────┴───────────────┴─────────────────────┘
//
// Framing is sans-I/O: Append encodes into a caller-owned slice and Parser
// decodes from bytes pushed into it, so the engine never blocks.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Framing constants.
const (
	// HeaderSize is the size of the record header in bytes.
	HeaderSize = 3

	// MaxPlaintextSize is the largest application fragment carried by one record.
	MaxPlaintextSize = 16384

	// MaxPayloadSize bounds the payload of any record, leaving room for the
	// inner type byte and the AEAD tag on top of a full fragment.
	MaxPayloadSize = MaxPlaintextSize + 256
)

// Type identifies how a record payload is interpreted.
type Type uint8

const (
	// TypeHello carries an unprotected handshake hello.
	TypeHello Type = 0x16

	// TypeSealed carries an AEAD-protected inner record.
	TypeSealed Type = 0x17
)

// String returns the record type name.
func (t Type) String() string {
	switch t {
	case TypeHello:
		return "HELLO"
	case TypeSealed:
		return "SEALED"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

// Framing errors.
var (
	// ErrRecordTooLarge indicates a payload exceeding MaxPayloadSize.
	ErrRecordTooLarge = errors.New("record too large")

	// ErrRecordEmpty indicates a zero-length payload.
	ErrRecordEmpty = errors.New("record is empty")

	// ErrUnknownType indicates a header with an unrecognised type byte.
	ErrUnknownType = errors.New("unknown record type")
)

// Record is one decoded record.
type Record struct {
	Type    Type
	Payload []byte
}

// Size returns the encoded size of a record carrying payloadSize bytes.
func Size(payloadSize int) int {
	return HeaderSize + payloadSize
}

// Append encodes a record onto dst and returns the extended slice.
func Append(dst []byte, typ Type, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return dst, ErrRecordEmpty
	}
	if len(payload) > MaxPayloadSize {
		return dst, fmt.Errorf("%w: %d > %d", ErrRecordTooLarge, len(payload), MaxPayloadSize)
	}
	var hdr [HeaderSize]byte
	hdr[0] = byte(typ)
	binary.BigEndian.PutUint16(hdr[1:], uint16(len(payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...), nil
}

// Parser reassembles records from arbitrarily split input.
type Parser struct {
	buf []byte
}

// Write buffers p. It always consumes all of p.
func (p *Parser) Write(b []byte) int {
	p.buf = append(p.buf, b...)
	return len(b)
}

// Buffered returns the number of bytes waiting for a complete record.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

// Next returns the next complete record. ok is false when more input is
// needed. A malformed header is reported as an error and the parser must not
// be used further.
func (p *Parser) Next() (rec Record, ok bool, err error) {
	if len(p.buf) < HeaderSize {
		return Record{}, false, nil
	}

	typ := Type(p.buf[0])
	if typ != TypeHello && typ != TypeSealed {
		return Record{}, false, fmt.Errorf("%w: 0x%02x", ErrUnknownType, p.buf[0])
	}

	length := int(binary.BigEndian.Uint16(p.buf[1:HeaderSize]))
	if length == 0 {
		return Record{}, false, ErrRecordEmpty
	}
	if length > MaxPayloadSize {
		return Record{}, false, fmt.Errorf("%w: %d > %d", ErrRecordTooLarge, length, MaxPayloadSize)
	}
	if len(p.buf) < HeaderSize+length {
		return Record{}, false, nil
	}

	payload := make([]byte, length)
	copy(payload, p.buf[HeaderSize:HeaderSize+length])

	rest := len(p.buf) - HeaderSize - length
	copy(p.buf, p.buf[HeaderSize+length:])
	p.buf = p.buf[:rest]

	return Record{Type: typ, Payload: payload}, true, nil
}
