package log

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Log files are a plain concatenation of CBOR items, one per event. Writers
// emit definite lengths in canonical order so equal events produce equal
// bytes. Readers accept anything well formed and ignore keys they do not know.
var (
	logEnc = mustEncMode(cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	})
	logDec = mustDecMode(cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	})
)

func mustEncMode(opts cbor.EncOptions) cbor.EncMode {
	em, err := opts.EncMode()
	if err != nil {
		panic("log: bad CBOR encoding options: " + err.Error())
	}
	return em
}

func mustDecMode(opts cbor.DecOptions) cbor.DecMode {
	dm, err := opts.DecMode()
	if err != nil {
		panic("log: bad CBOR decoding options: " + err.Error())
	}
	return dm
}

// EncodeEvent returns the log file representation of event.
func EncodeEvent(event Event) ([]byte, error) {
	return logEnc.Marshal(event)
}

// DecodeEvent parses a single item produced by EncodeEvent.
func DecodeEvent(data []byte) (Event, error) {
	var event Event
	err := logDec.Unmarshal(data, &event)
	if err != nil {
		return Event{}, err
	}
	return event, nil
}

// NewEncoder appends events to w in log file form.
func NewEncoder(w io.Writer) *cbor.Encoder {
	return logEnc.NewEncoder(w)
}

// NewDecoder yields events back out of a log file stream.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return logDec.NewDecoder(r)
}
