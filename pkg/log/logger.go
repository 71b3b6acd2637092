package log

// Logger receives stream events.
// Implementations must be safe for concurrent use: events are emitted from
// the scheduler and pump goroutines of every stream sharing the logger.
// Log should return quickly; a slow sink slows the stream down.
type Logger interface {
	Log(event Event)
}

// NoopLogger discards all events. It is the zero-cost default.
type NoopLogger struct{}

// Log discards the event.
func (NoopLogger) Log(Event) {}

// Compile-time interface satisfaction check.
var _ Logger = NoopLogger{}
