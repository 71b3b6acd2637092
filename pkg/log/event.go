package log

import (
	"time"

	"github.com/duplex-tls/duplex-go/pkg/engine"
)

// Event is one captured stream event.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// StreamID identifies the duplex stream (UUID).
	StreamID string `cbor:"2,keyasint"`

	// Direction of the traffic the event describes.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event.
	Category Category `cbor:"5,keyasint"`

	// Role is the local engine role.
	Role engine.Role `cbor:"6,keyasint"`

	// Exactly one of these is set.
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"` // Transport I/O
	Obligation  *ObligationEvent  `cbor:"11,keyasint,omitempty"` // Reactive control work
	Request     *RequestEvent     `cbor:"12,keyasint,omitempty"` // Completed caller request
	StateChange *StateChangeEvent `cbor:"13,keyasint,omitempty"` // Lifecycle
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"` // Errors at any layer
}

// Direction indicates which way traffic flows.
type Direction uint8

const (
	// DirectionNone is used for events without a direction (state changes).
	DirectionNone Direction = 0
	// DirectionIn indicates traffic from the peer.
	DirectionIn Direction = 1
	// DirectionOut indicates traffic to the peer.
	DirectionOut Direction = 2
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionNone:
		return "-"
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which component captured the event.
type Layer uint8

const (
	// LayerTransport is raw transport I/O in the pumps.
	LayerTransport Layer = 0
	// LayerEngine is protocol engine interaction in the scheduler.
	LayerEngine Layer = 1
	// LayerStream is the caller-facing stream.
	LayerStream Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerEngine:
		return "ENGINE"
	case LayerStream:
		return "STREAM"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event.
type Category uint8

const (
	// CategoryData is application data traffic.
	CategoryData Category = 0
	// CategoryControl is protocol control traffic (handshake, key update, close).
	CategoryControl Category = 1
	// CategoryState is a lifecycle change.
	CategoryState Category = 2
	// CategoryError is an error.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryData:
		return "DATA"
	case CategoryControl:
		return "CONTROL"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures bytes moved over the transport.
type FrameEvent struct {
	// Size is the number of bytes moved.
	Size int `cbor:"1,keyasint"`

	// Data is the raw bytes (may be truncated for large writes).
	Data []byte `cbor:"2,keyasint,omitempty"`

	// Truncated indicates if Data was truncated.
	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// ObligationKind is the kind of reactive work the engine imposed.
type ObligationKind uint8

const (
	// ObligationControlWrite means the engine produced bytes that must be written.
	ObligationControlWrite ObligationKind = 0
	// ObligationControlRead means the engine needs peer bytes before it can proceed.
	ObligationControlRead ObligationKind = 1
)

// String returns the obligation kind name.
func (k ObligationKind) String() string {
	switch k {
	case ObligationControlWrite:
		return "CONTROL_WRITE"
	case ObligationControlRead:
		return "CONTROL_READ"
	default:
		return "UNKNOWN"
	}
}

// ObligationEvent captures a reactive obligation discovered by the scheduler.
type ObligationEvent struct {
	// Kind of obligation.
	Kind ObligationKind `cbor:"1,keyasint"`

	// Size is the number of control bytes (ControlWrite only).
	Size int `cbor:"2,keyasint,omitempty"`

	// Trigger names the operation that was being serviced.
	Trigger string `cbor:"3,keyasint,omitempty"`
}

// RequestEvent captures a completed caller request.
type RequestEvent struct {
	// Op is the request kind (READ, WRITE, FLUSH, SHUTDOWN, KEY_UPDATE).
	Op string `cbor:"1,keyasint"`

	// Bytes is the count returned to the caller.
	Bytes int `cbor:"2,keyasint,omitempty"`

	// Latency is the time from submission to completion.
	Latency time.Duration `cbor:"3,keyasint"`

	// Err is the error text returned to the caller, if any.
	Err string `cbor:"4,keyasint,omitempty"`
}

// StateChangeEvent captures a lifecycle transition.
type StateChangeEvent struct {
	// OldState is the previous state.
	OldState string `cbor:"1,keyasint"`

	// NewState is the new state.
	NewState string `cbor:"2,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"3,keyasint,omitempty"`
}

// ErrorEventData captures an error.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Context describes what was being done.
	Context string `cbor:"3,keyasint,omitempty"`
}

// MaxFrameDataSize is the largest payload copied into a FrameEvent (4 KB).
const MaxFrameDataSize = 4096

// NewFrame builds a FrameEvent, truncating Data to MaxFrameDataSize.
func NewFrame(data []byte) *FrameEvent {
	f := &FrameEvent{Size: len(data)}
	if len(data) > MaxFrameDataSize {
		data = data[:MaxFrameDataSize]
		f.Truncated = true
	}
	f.Data = append([]byte(nil), data...)
	return f
}
