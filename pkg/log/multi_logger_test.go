package log

import (
	"sync"
	"testing"
	"time"
)

// recordingLogger keeps every event it receives.
type recordingLogger struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingLogger) Log(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func TestMultiLoggerCallsAll(t *testing.T) {
	l1, l2 := &recordingLogger{}, &recordingLogger{}
	multi := NewMultiLogger(l1, nil, l2)

	multi.Log(Event{Timestamp: time.Now(), StreamID: "stream-1", Category: CategoryState})

	for i, l := range []*recordingLogger{l1, l2} {
		if len(l.events) != 1 {
			t.Errorf("logger %d: got %d events, want 1", i, len(l.events))
			continue
		}
		if l.events[0].StreamID != "stream-1" {
			t.Errorf("logger %d: StreamID = %q", i, l.events[0].StreamID)
		}
	}
}

func TestMultiLoggerEmpty(t *testing.T) {
	NewMultiLogger().Log(Event{StreamID: "nobody"})
	NewMultiLogger(nil, nil).Log(Event{StreamID: "nobody"})
	NoopLogger{}.Log(Event{})
}
