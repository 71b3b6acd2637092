package commands

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/duplex-tls/duplex-go/pkg/log"
)

// csvColumns is the fixed column order of the csv export.
var csvColumns = []string{"timestamp", "stream_id", "role", "direction", "layer", "category", "type", "bytes"}

// sink receives every event of an export in file order. done runs once after
// the last event.
type sink struct {
	emit func(log.Event) error
	done func() error
}

func jsonlSink(w io.Writer) sink {
	enc := json.NewEncoder(w)
	return sink{
		emit: func(e log.Event) error { return enc.Encode(e) },
		done: func() error { return nil },
	}
}

func csvSink(w io.Writer) sink {
	cw := csv.NewWriter(w)
	wroteHeader := false
	return sink{
		emit: func(e log.Event) error {
			if !wroteHeader {
				wroteHeader = true
				if err := cw.Write(csvColumns); err != nil {
					return err
				}
			}
			return cw.Write(csvRow(e))
		},
		done: func() error {
			if !wroteHeader {
				if err := cw.Write(csvColumns); err != nil {
					return err
				}
			}
			cw.Flush()
			return cw.Error()
		},
	}
}

func csvRow(e log.Event) []string {
	return []string{
		e.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z"),
		e.StreamID,
		e.Role.String(),
		e.Direction.String(),
		e.Layer.String(),
		e.Category.String(),
		eventType(e),
		eventBytes(e),
	}
}

// eventBytes is the payload size an event carries, blank when it has none.
func eventBytes(e log.Event) string {
	switch {
	case e.Frame != nil:
		return strconv.Itoa(e.Frame.Size)
	case e.Obligation != nil && e.Obligation.Size > 0:
		return strconv.Itoa(e.Obligation.Size)
	case e.Request != nil:
		return strconv.Itoa(e.Request.Bytes)
	}
	return ""
}

// RunExport converts the log at path to format ("jsonl" or "csv"), writing to
// output or to stdout when output is empty.
func RunExport(path, format, output string) error {
	var newSink func(io.Writer) sink
	switch format {
	case "jsonl":
		newSink = jsonlSink
	case "csv":
		newSink = csvSink
	default:
		return fmt.Errorf("unknown format: %s (supported: jsonl, csv)", format)
	}

	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	dst := io.Writer(os.Stdout)
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		dst = f
	}

	s := newSink(dst)
	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		if err := s.emit(event); err != nil {
			return fmt.Errorf("failed to write %s: %w", format, err)
		}
	}
	if err := s.done(); err != nil {
		return fmt.Errorf("failed to write %s: %w", format, err)
	}
	return nil
}
