package duplex

import (
	"errors"
	"fmt"
	"io"

	"github.com/duplex-tls/duplex-go/pkg/log"
	"github.com/duplex-tls/duplex-go/pkg/transport"
)

// inbound is one transport read handed to the scheduler.
type inbound struct {
	data []byte
	err  error
}

// runReadPump is the sole owner of the read handle. It reads ahead of the
// scheduler by at most InboundQueueDepth chunks.
func (s *Stream) runReadPump() {
	defer s.recoverPump("read pump")

	for {
		buf := make([]byte, s.cfg.ReadBufferSize)
		n, err := s.reader.Read(buf)
		if n > 0 {
			s.stats.transportBytesIn.Add(int64(n))
			s.logFrame(log.DirectionIn, log.CategoryData, buf[:n])
			select {
			case s.inbound <- inbound{data: buf[:n]}:
			case <-s.stop:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.debugLog("transport read failed", "error", err)
			}
			select {
			case s.inbound <- inbound{err: err}:
			case <-s.stop:
			}
			return
		}
	}
}

// runWritePump is the sole owner of the write handle.
func (s *Stream) runWritePump() {
	defer s.recoverPump("write pump")

	for {
		c, ok := s.outq.pop()
		if !ok {
			return
		}

		var err error
		if c.halfClose {
			err = closeWrite(s.writer)
		} else {
			err = writeChunk(s.writer, c.data)
		}
		s.outq.done(c)

		if err != nil {
			s.debugLog("transport write failed", "error", err)
			s.reportPumpError(&TransportError{Dir: DirWrite, Err: err})
			return
		}
		if !c.halfClose {
			s.stats.transportBytesOut.Add(int64(len(c.data)))
			category := log.CategoryData
			if c.kind == kindControl {
				category = log.CategoryControl
			}
			s.logFrame(log.DirectionOut, category, c.data)
		}

		select {
		case s.progress <- struct{}{}:
		default:
		}
	}
}

func writeChunk(w io.Writer, data []byte) error {
	n, err := w.Write(data)
	if err == nil && n < len(data) {
		err = io.ErrShortWrite
	}
	return err
}

// closeWrite half-closes w. Handles without half-close support are left
// open; Close closes them fully.
func closeWrite(w io.Writer) error {
	hc, ok := w.(transport.WriteHalfCloser)
	if !ok {
		return nil
	}
	if err := hc.CloseWrite(); err != nil && !errors.Is(err, transport.ErrHalfCloseUnsupported) {
		return err
	}
	return nil
}

func (s *Stream) reportPumpError(err error) {
	select {
	case s.pumpErr <- err:
	default:
	}
}

// recoverPump turns a pump panic into a fault handled by the scheduler.
func (s *Stream) recoverPump(name string) {
	if r := recover(); r != nil {
		s.reportPumpError(fmt.Errorf("%w in %s: %v", ErrWorkerPanic, name, r))
	}
}

func (s *Stream) logFrame(dir log.Direction, category log.Category, data []byte) {
	if _, noop := s.events.(log.NoopLogger); noop {
		return
	}
	s.emit(log.Event{
		Direction: dir,
		Layer:     log.LayerTransport,
		Category:  category,
		Frame:     log.NewFrame(data),
	})
}
