package commands

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/duplex-tls/duplex-go/pkg/log"
)

// Stats holds aggregate statistics about a log file.
type Stats struct {
	TotalEvents       int
	EventsByLayer     map[log.Layer]int
	EventsByCategory  map[log.Category]int
	EventsByDirection map[log.Direction]int
	Streams           map[string]*StreamStats
	Errors            int
	TimeRange         struct {
		Start time.Time
		End   time.Time
	}
}

// StreamStats holds statistics for a single stream.
type StreamStats struct {
	FirstSeen time.Time
	LastSeen  time.Time
	Role      string
	Events    int

	BytesIn     int
	BytesOut    int
	ControlOut  int // control obligations drained
	PeerWaits   int // requests that waited for peer bytes
	FailedCalls int
	FinalState  string
	MaxLatency  time.Duration
}

// RunStats analyzes the log file and prints statistics.
func RunStats(path string, w io.Writer) error {
	stats, err := collectStats(path)
	if err != nil {
		return err
	}
	printStats(w, stats)
	return nil
}

func collectStats(path string) (*Stats, error) {
	reader, err := log.NewReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	stats := &Stats{
		EventsByLayer:     make(map[log.Layer]int),
		EventsByCategory:  make(map[log.Category]int),
		EventsByDirection: make(map[log.Direction]int),
		Streams:           make(map[string]*StreamStats),
	}

	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read event: %w", err)
		}

		stats.TotalEvents++
		stats.EventsByLayer[event.Layer]++
		stats.EventsByCategory[event.Category]++
		stats.EventsByDirection[event.Direction]++

		if stats.TimeRange.Start.IsZero() || event.Timestamp.Before(stats.TimeRange.Start) {
			stats.TimeRange.Start = event.Timestamp
		}
		if event.Timestamp.After(stats.TimeRange.End) {
			stats.TimeRange.End = event.Timestamp
		}

		st, ok := stats.Streams[event.StreamID]
		if !ok {
			st = &StreamStats{
				FirstSeen: event.Timestamp,
				LastSeen:  event.Timestamp,
				Role:      event.Role.String(),
			}
			stats.Streams[event.StreamID] = st
		}
		st.Events++
		if event.Timestamp.After(st.LastSeen) {
			st.LastSeen = event.Timestamp
		}

		switch {
		case event.Frame != nil:
			if event.Direction == log.DirectionIn {
				st.BytesIn += event.Frame.Size
			} else {
				st.BytesOut += event.Frame.Size
			}
		case event.Obligation != nil:
			if event.Obligation.Kind == log.ObligationControlWrite {
				st.ControlOut++
			} else {
				st.PeerWaits++
			}
		case event.Request != nil:
			if event.Request.Err != "" {
				st.FailedCalls++
			}
			if event.Request.Latency > st.MaxLatency {
				st.MaxLatency = event.Request.Latency
			}
		case event.StateChange != nil:
			st.FinalState = event.StateChange.NewState
		}

		if event.Error != nil {
			stats.Errors++
		}
	}
	return stats, nil
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== Duplex Stream Log Statistics ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.Format(time.RFC3339),
			stats.TimeRange.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Second))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Layer:")
	for _, layer := range []log.Layer{log.LayerTransport, log.LayerEngine, log.LayerStream} {
		if count := stats.EventsByLayer[layer]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", layer.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{log.CategoryData, log.CategoryControl, log.CategoryState, log.CategoryError} {
		if count := stats.EventsByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", cat.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Direction:")
	for _, dir := range []log.Direction{log.DirectionIn, log.DirectionOut} {
		if count := stats.EventsByDirection[dir]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", dir.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Streams: %d\n", len(stats.Streams))
	if len(stats.Streams) > 0 {
		type streamInfo struct {
			id    string
			stats *StreamStats
		}
		streams := make([]streamInfo, 0, len(stats.Streams))
		for id, st := range stats.Streams {
			streams = append(streams, streamInfo{id, st})
		}
		sort.Slice(streams, func(i, j int) bool {
			return streams[i].stats.FirstSeen.Before(streams[j].stats.FirstSeen)
		})

		fmt.Fprintln(w)
		for _, s := range streams {
			duration := s.stats.LastSeen.Sub(s.stats.FirstSeen).Round(time.Millisecond)
			fmt.Fprintf(w, "  [%s] %s, %d events, duration %s\n", shortenID(s.id), s.stats.Role, s.stats.Events, duration)
			fmt.Fprintf(w, "           Transport: %d bytes in, %d bytes out\n", s.stats.BytesIn, s.stats.BytesOut)
			if s.stats.ControlOut > 0 || s.stats.PeerWaits > 0 {
				fmt.Fprintf(w, "           Obligations: %d control writes, %d peer waits\n", s.stats.ControlOut, s.stats.PeerWaits)
			}
			if s.stats.FailedCalls > 0 {
				fmt.Fprintf(w, "           Failed calls: %d\n", s.stats.FailedCalls)
			}
			if s.stats.MaxLatency > 0 {
				fmt.Fprintf(w, "           Max latency: %s\n", formatDuration(s.stats.MaxLatency))
			}
			if s.stats.FinalState != "" {
				fmt.Fprintf(w, "           Final state: %s\n", s.stats.FinalState)
			}
		}
	}

	if stats.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
	}
}
