package log

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/duplex-tls/duplex-go/pkg/engine"
)

// Filter narrows what a Reader returns. Unset fields do not constrain.
type Filter struct {
	StreamID  string
	Role      *engine.Role
	Direction *Direction
	Layer     *Layer
	Category  *Category

	// TimeStart and TimeEnd bound a half-open window [TimeStart, TimeEnd).
	TimeStart *time.Time
	TimeEnd   *time.Time
}

// Matches reports whether event passes f.
func (f *Filter) Matches(event Event) bool {
	checks := [...]bool{
		f.StreamID == "" || f.StreamID == event.StreamID,
		f.Role == nil || *f.Role == event.Role,
		f.Direction == nil || *f.Direction == event.Direction,
		f.Layer == nil || *f.Layer == event.Layer,
		f.Category == nil || *f.Category == event.Category,
		f.TimeStart == nil || !event.Timestamp.Before(*f.TimeStart),
		f.TimeEnd == nil || event.Timestamp.Before(*f.TimeEnd),
	}
	for _, ok := range checks {
		if !ok {
			return false
		}
	}
	return true
}

// Reader walks a log file produced by FileLogger, oldest event first.
type Reader struct {
	f      *os.File
	dec    *cbor.Decoder
	filter Filter
}

// NewReader is NewFilteredReader with an empty filter.
func NewReader(path string) (*Reader, error) {
	return NewFilteredReader(path, Filter{})
}

// NewFilteredReader opens path. Next skips events that filter rejects.
func NewFilteredReader(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{f: f, dec: NewDecoder(f), filter: filter}, nil
}

// Next yields the following accepted event. It returns io.EOF once the file
// is exhausted; a truncated trailing record surfaces as a decode error.
func (r *Reader) Next() (Event, error) {
	var event Event
	for {
		event = Event{}
		err := r.dec.Decode(&event)
		switch {
		case errors.Is(err, io.EOF):
			return Event{}, io.EOF
		case err != nil:
			return Event{}, err
		case r.filter.Matches(event):
			return event, nil
		}
	}
}

// Close releases the file.
func (r *Reader) Close() error {
	return r.f.Close()
}
