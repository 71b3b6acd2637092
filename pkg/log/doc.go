// Package log captures structured events from duplex streams.
//
// It is separate from operational logging (slog): a Logger receives one
// Event per transport write or read, control obligation, lifecycle change,
// completed request and error, giving a machine-readable trace of how the
// scheduler interleaved control and data traffic.
//
// # Basic Usage
//
//	// Development: events to the console via slog
//	opts = append(opts, duplex.WithEventLogger(log.NewSlogAdapter(slog.Default())))
//
//	// Production: append CBOR events to a file
//	fl, _ := log.NewFileLogger("/var/log/duplex/stream.dlog")
//	opts = append(opts, duplex.WithEventLogger(fl))
//
//	// Both
//	opts = append(opts, duplex.WithEventLogger(log.NewMultiLogger(adapter, fl)))
//
// # File Format
//
// Log files are a concatenation of CBOR-encoded Event values with integer
// keys. Reader iterates them, optionally through a Filter.
package log
