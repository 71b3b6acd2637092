package log

import (
	"context"
	"log/slog"
)

// SlogAdapter writes events to an slog.Logger at Debug level (errors at
// Warn). Useful during development to watch the scheduler interleave
// control and data traffic.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter returns an adapter writing to logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("stream_id", event.StreamID),
		slog.String("role", event.Role.String()),
		slog.String("direction", event.Direction.String()),
		slog.String("layer", event.Layer.String()),
		slog.String("category", event.Category.String()),
	}
	level := slog.LevelDebug

	switch {
	case event.Frame != nil:
		attrs = append(attrs,
			slog.Int("frame_size", event.Frame.Size),
			slog.Bool("truncated", event.Frame.Truncated),
		)
	case event.Obligation != nil:
		attrs = append(attrs,
			slog.String("obligation", event.Obligation.Kind.String()),
			slog.Int("size", event.Obligation.Size),
		)
		if event.Obligation.Trigger != "" {
			attrs = append(attrs, slog.String("trigger", event.Obligation.Trigger))
		}
	case event.Request != nil:
		attrs = append(attrs,
			slog.String("op", event.Request.Op),
			slog.Int("bytes", event.Request.Bytes),
			slog.Duration("latency", event.Request.Latency),
		)
		if event.Request.Err != "" {
			attrs = append(attrs, slog.String("error", event.Request.Err))
		}
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.Error != nil:
		level = slog.LevelWarn
		attrs = append(attrs,
			slog.String("error_layer", event.Error.Layer.String()),
			slog.String("error_msg", event.Error.Message),
		)
		if event.Error.Context != "" {
			attrs = append(attrs, slog.String("error_context", event.Error.Context))
		}
	}

	a.logger.LogAttrs(context.Background(), level, "duplex", attrs...)
}

// Compile-time interface satisfaction check.
var _ Logger = (*SlogAdapter)(nil)
