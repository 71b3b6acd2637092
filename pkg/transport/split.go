package transport

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
)

// Split errors.
var (
	ErrNilConn              = errors.New("transport: nil connection")
	ErrHalfCloseUnsupported = errors.New("transport: half-close not supported")
)

// Handles is a read/write pair over one connection.
type Handles struct {
	Reader ReadHandle
	Writer WriteHandle
}

// Close closes the underlying connection once. Both halves become unusable.
func (h Handles) Close() error {
	if h.Reader == nil {
		return nil
	}
	return h.Reader.Close()
}

// shared closes the connection exactly once for both halves.
type shared struct {
	conn      net.Conn
	closeOnce sync.Once
	closeErr  error
	halves    atomic.Int32
}

func (s *shared) close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// Split returns independent read and write handles over conn.
//
// Go connections already allow one concurrent reader and one concurrent
// writer, so the halves are views that differ in which half-close they
// expose. Closing either half closes conn. When both halves have been
// half-closed the connection is closed as well.
func Split(conn net.Conn) (Handles, error) {
	if conn == nil {
		return Handles{}, ErrNilConn
	}
	s := &shared{conn: conn}
	return Handles{
		Reader: &readHalf{s: s},
		Writer: &writeHalf{s: s},
	}, nil
}

type readHalf struct {
	s    *shared
	once sync.Once
}

func (r *readHalf) Read(p []byte) (int, error) {
	return r.s.conn.Read(p)
}

// CloseRead half-closes the connection when supported. Otherwise the read
// half is only marked done and the connection closes with the write half.
func (r *readHalf) CloseRead() error {
	var err error
	r.once.Do(func() {
		if hc, ok := r.s.conn.(ReadHalfCloser); ok {
			err = hc.CloseRead()
		}
		if r.s.halves.Add(1) == 2 {
			err = errors.Join(err, r.s.close())
		}
	})
	return err
}

func (r *readHalf) Close() error {
	return r.s.close()
}

func (r *readHalf) String() string {
	return "read(" + addrString(r.s.conn) + ")"
}

type writeHalf struct {
	s    *shared
	once sync.Once
}

func (w *writeHalf) Write(p []byte) (int, error) {
	return w.s.conn.Write(p)
}

// CloseWrite signals end-of-stream to the peer. It returns
// ErrHalfCloseUnsupported when conn cannot half-close; the caller decides
// whether a full close is acceptable.
func (w *writeHalf) CloseWrite() error {
	hc, ok := w.s.conn.(WriteHalfCloser)
	if !ok {
		return ErrHalfCloseUnsupported
	}
	var err error
	w.once.Do(func() {
		err = hc.CloseWrite()
		if w.s.halves.Add(1) == 2 {
			err = errors.Join(err, w.s.close())
		}
	})
	return err
}

func (w *writeHalf) Close() error {
	return w.s.close()
}

func (w *writeHalf) String() string {
	return "write(" + addrString(w.s.conn) + ")"
}

func addrString(conn net.Conn) string {
	local, remote := conn.LocalAddr(), conn.RemoteAddr()
	if local == nil || remote == nil {
		return "?"
	}
	return local.String() + "->" + remote.String()
}
