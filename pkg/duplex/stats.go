package duplex

import (
	"fmt"
	"sync/atomic"
)

// Stats is a snapshot of stream counters.
type Stats struct {
	// BytesRead is plaintext delivered to readers.
	BytesRead int64

	// BytesWritten is plaintext accepted from writers.
	BytesWritten int64

	// TransportBytesIn and TransportBytesOut count raw transport traffic.
	TransportBytesIn  int64
	TransportBytesOut int64

	// Reads and Writes count completed Read and Write calls.
	Reads  int64
	Writes int64

	// ControlWrites counts control obligations drained to the transport.
	ControlWrites int64

	// ControlReads counts times a request waited for peer bytes.
	ControlReads int64

	// KeyUpdates counts key updates initiated locally.
	KeyUpdates int64

	// Timeouts counts calls that gave up at their deadline.
	Timeouts int64
}

func (s Stats) String() string {
	return fmt.Sprintf("[r=%d/%dB w=%d/%dB in=%dB out=%dB ctl=%dw/%dr]",
		s.Reads, s.BytesRead, s.Writes, s.BytesWritten,
		s.TransportBytesIn, s.TransportBytesOut,
		s.ControlWrites, s.ControlReads)
}

// counters are the live, atomically updated Stats.
type counters struct {
	bytesRead         atomic.Int64
	bytesWritten      atomic.Int64
	transportBytesIn  atomic.Int64
	transportBytesOut atomic.Int64
	reads             atomic.Int64
	writes            atomic.Int64
	controlWrites     atomic.Int64
	controlReads      atomic.Int64
	keyUpdates        atomic.Int64
	timeouts          atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		BytesRead:         c.bytesRead.Load(),
		BytesWritten:      c.bytesWritten.Load(),
		TransportBytesIn:  c.transportBytesIn.Load(),
		TransportBytesOut: c.transportBytesOut.Load(),
		Reads:             c.reads.Load(),
		Writes:            c.writes.Load(),
		ControlWrites:     c.controlWrites.Load(),
		ControlReads:      c.controlReads.Load(),
		KeyUpdates:        c.keyUpdates.Load(),
		Timeouts:          c.timeouts.Load(),
	}
}
