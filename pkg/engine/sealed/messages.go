package sealed

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder mode for hello and control bodies.
var encMode cbor.EncMode

// decMode is the CBOR decoder mode for hello and control bodies.
var decMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		IndefLength:       cbor.IndefLengthForbidden,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// Inner record types, carried as the last plaintext byte of a sealed record.
const (
	innerControl byte = 0x15
	innerData    byte = 0x17
)

// hello opens the handshake in both directions.
type hello struct {
	Role      uint8  `cbor:"1,keyasint"`
	Random    []byte `cbor:"2,keyasint"`
	PublicKey []byte `cbor:"3,keyasint"`
}

// controlType identifies a control message.
type controlType uint8

const (
	controlKeyUpdate   controlType = 1
	controlCloseNotify controlType = 2
)

// String returns the control type name.
func (t controlType) String() string {
	switch t {
	case controlKeyUpdate:
		return "KEY_UPDATE"
	case controlCloseNotify:
		return "CLOSE_NOTIFY"
	default:
		return "UNKNOWN"
	}
}

// control is the body of an innerControl record.
type control struct {
	Type controlType `cbor:"1,keyasint"`

	// RequestUpdate asks the receiver to update its own sending keys.
	RequestUpdate bool `cbor:"2,keyasint,omitempty"`
}

func encodeHello(h *hello) ([]byte, error) {
	return encMode.Marshal(h)
}

func decodeHello(data []byte) (*hello, error) {
	var h hello
	if err := decMode.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to decode hello: %w", err)
	}
	if len(h.Random) != randomSize {
		return nil, fmt.Errorf("hello random: got %d bytes, want %d", len(h.Random), randomSize)
	}
	if len(h.PublicKey) != keySize {
		return nil, fmt.Errorf("hello public key: got %d bytes, want %d", len(h.PublicKey), keySize)
	}
	return &h, nil
}

func encodeControl(c *control) ([]byte, error) {
	return encMode.Marshal(c)
}

func decodeControl(data []byte) (*control, error) {
	var c control
	if err := decMode.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode control message: %w", err)
	}
	switch c.Type {
	case controlKeyUpdate, controlCloseNotify:
	default:
		return nil, fmt.Errorf("unknown control type %d", c.Type)
	}
	return &c, nil
}
