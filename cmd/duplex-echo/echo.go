package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/duplex-tls/duplex-go/pkg/duplex"
	"github.com/duplex-tls/duplex-go/pkg/engine/sealed"
)

// runServer accepts connections on addr until ctx is done. A non-empty
// instance name is announced over mDNS while the server runs.
func runServer(ctx context.Context, addr, instance string, logger *slog.Logger, opts ...duplex.Option) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	logger.Info("echo server listening", "addr", ln.Addr().String())

	if instance != "" {
		mdns, err := advertise(instance, ln.Addr().(*net.TCPAddr).Port)
		if err != nil {
			ln.Close()
			return err
		}
		defer mdns.Shutdown()
		logger.Info("advertising over mDNS", "instance", instance, "service", serviceType)
	}
	return serve(ctx, ln, logger, opts...)
}

// serve runs the accept loop on ln and closes it when ctx is done.
func serve(ctx context.Context, ln net.Listener, logger *slog.Logger, opts ...duplex.Option) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			remote := conn.RemoteAddr().String()
			if err := serveConn(conn, opts...); err != nil {
				logger.Warn("connection failed", "remote", remote, "error", err)
				return
			}
			logger.Info("connection closed", "remote", remote)
		}()
	}
}

// serveConn echoes everything read from conn until the peer closes, then
// closes its own direction.
func serveConn(conn net.Conn, opts ...duplex.Option) error {
	eng, err := sealed.NewServer()
	if err != nil {
		conn.Close()
		return err
	}
	s, err := duplex.NewFromConn(eng, conn, opts...)
	if err != nil {
		conn.Close()
		return err
	}
	defer s.Close()

	buf := make([]byte, 16*1024)
	for {
		n, err := s.Read(buf)
		if errors.Is(err, io.EOF) {
			return s.Shutdown()
		}
		if err != nil {
			return err
		}
		if _, err := s.WriteAll(buf[:n]); err != nil {
			return err
		}
	}
}

// dialStream connects to addr and wraps the connection in a client stream.
func dialStream(ctx context.Context, addr string, opts ...duplex.Option) (*duplex.Stream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	eng, err := sealed.NewClient()
	if err != nil {
		conn.Close()
		return nil, err
	}
	s, err := duplex.NewFromConn(eng, conn, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// runClient sends msg count times over one stream and checks every echo.
func runClient(ctx context.Context, addr, msg string, count int, rekey bool, out io.Writer, opts ...duplex.Option) error {
	s, err := dialStream(ctx, addr, opts...)
	if err != nil {
		return err
	}
	defer s.Close()

	payload := []byte(msg)
	reply := make([]byte, len(payload))
	for i := 0; i < count; i++ {
		if _, err := s.WriteAll(payload); err != nil {
			return fmt.Errorf("send %d: %w", i+1, err)
		}
		if _, err := s.ReadFull(reply); err != nil {
			return fmt.Errorf("receive %d: %w", i+1, err)
		}
		if !bytes.Equal(reply, payload) {
			return fmt.Errorf("echo %d mismatch: got %q", i+1, reply)
		}
		fmt.Fprintf(out, "%d: %s\n", i+1, reply)

		if rekey && i == 0 {
			if err := s.UpdateKeys(); err != nil {
				return fmt.Errorf("key update: %w", err)
			}
		}
	}

	if err := s.Shutdown(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	fmt.Fprintf(out, "stats: %s\n", s.Stats())
	return nil
}
