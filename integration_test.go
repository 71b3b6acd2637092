package duplex_test

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/duplex-tls/duplex-go/pkg/duplex"
	"github.com/duplex-tls/duplex-go/pkg/engine/sealed"
)

// integrationConfig bounds every call so a stalled stream fails the test
// instead of hanging it.
func integrationConfig() duplex.Config {
	cfg := duplex.DefaultConfig()
	cfg.ReadTimeout = 10 * time.Second
	cfg.WriteTimeout = 10 * time.Second
	cfg.CloseTimeout = 5 * time.Second
	return cfg
}

// tcpPair connects a sealed client and server stream over loopback TCP.
func tcpPair(t *testing.T, cfg duplex.Config) (client, server *duplex.Stream) {
	t.Helper()

	opts := []duplex.Option{duplex.WithConfig(cfg)}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	serverConn, ok := <-accepted
	if !ok {
		t.Fatal("Accept failed")
	}

	clientEng, err := sealed.NewClient()
	if err != nil {
		t.Fatalf("Failed to create client engine: %v", err)
	}
	serverEng, err := sealed.NewServer()
	if err != nil {
		t.Fatalf("Failed to create server engine: %v", err)
	}

	client, err = duplex.NewFromConn(clientEng, clientConn, opts...)
	if err != nil {
		t.Fatalf("Failed to create client stream: %v", err)
	}
	server, err = duplex.NewFromConn(serverEng, serverConn, opts...)
	if err != nil {
		t.Fatalf("Failed to create server stream: %v", err)
	}

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

// TestE2E_RequestResponse sends an HTTP-style request and reads the response
// until the server closes.
func TestE2E_RequestResponse(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	client, server := tcpPair(t, integrationConfig())

	request := []byte("GET /status HTTP/1.1\r\nHost: device.local\r\n\r\n")
	response := []byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")

	serverErr := make(chan error, 1)
	go func() {
		var got []byte
		buf := make([]byte, 32)
		for !bytes.HasSuffix(got, []byte("\r\n\r\n")) {
			n, err := server.Read(buf)
			if err != nil {
				serverErr <- err
				return
			}
			got = append(got, buf[:n]...)
		}
		if !bytes.Equal(got, request) {
			serverErr <- errors.New("server received a different request")
			return
		}
		if _, err := server.WriteAll(response); err != nil {
			serverErr <- err
			return
		}
		serverErr <- server.Shutdown()
	}()

	if _, err := client.WriteAll(request); err != nil {
		t.Fatalf("WriteAll failed: %v", err)
	}
	got, err := client.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if !bytes.Equal(got, response) {
		t.Errorf("Response = %q, want %q", got, response)
	}

	select {
	case err := <-serverErr:
		if err != nil {
			t.Fatalf("Server failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Server did not finish")
	}

	if err := client.Shutdown(); err != nil {
		t.Fatalf("Client shutdown failed: %v", err)
	}
	if client.State() != duplex.StateClosed {
		t.Errorf("Client state = %v, want CLOSED", client.State())
	}
	if server.State() != duplex.StateClosed {
		t.Errorf("Server state = %v, want CLOSED", server.State())
	}
}

// TestE2E_SimultaneousBulkTransfer has both sides write a large payload
// before either reads. Each side must keep reading while its own write is
// blocked on the peer.
func TestE2E_SimultaneousBulkTransfer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	cfg := integrationConfig()
	cfg.HighWatermark = 32 * 1024
	cfg.LowWatermark = 8 * 1024
	client, server := tcpPair(t, cfg)

	const size = 2 << 20
	clientData := randomBytes(t, size)
	serverData := randomBytes(t, size)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	received := make([][]byte, 2)

	for i, side := range []struct {
		s    *duplex.Stream
		data []byte
	}{{client, clientData}, {server, serverData}} {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := side.s.WriteAll(side.data); err != nil {
				errs <- err
			}
		}()
		go func() {
			defer wg.Done()
			buf := make([]byte, size)
			if _, err := side.s.ReadFull(buf); err != nil {
				errs <- err
				return
			}
			received[i] = buf
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(20 * time.Second):
		t.Fatal("Transfer stalled")
	}
	close(errs)
	for err := range errs {
		t.Fatalf("Transfer failed: %v", err)
	}

	if !bytes.Equal(received[0], serverData) {
		t.Error("Client received corrupted data")
	}
	if !bytes.Equal(received[1], clientData) {
		t.Error("Server received corrupted data")
	}

	stats := client.Stats()
	if stats.BytesWritten != size || stats.BytesRead != size {
		t.Errorf("Client stats = %s", stats)
	}
}

// TestE2E_HalfClose checks that a stream which has seen the peer's close
// notification can still send and close on its own.
func TestE2E_HalfClose(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	client, server := tcpPair(t, integrationConfig())

	if _, err := client.WriteAll([]byte("last words")); err != nil {
		t.Fatalf("WriteAll failed: %v", err)
	}
	if err := client.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if client.State() != duplex.StateClosed {
		t.Errorf("Client state = %v, want CLOSED", client.State())
	}
	if _, err := client.Read(make([]byte, 1)); !errors.Is(err, duplex.ErrClosed) {
		t.Errorf("Read after shutdown = %v, want ErrClosed", err)
	}

	got, err := server.ReadAll()
	if err != nil {
		t.Fatalf("Server ReadAll failed: %v", err)
	}
	if string(got) != "last words" {
		t.Errorf("Server read %q", got)
	}
	if server.State() != duplex.StateClosingRemote {
		t.Errorf("Server state = %v, want CLOSING_REMOTE", server.State())
	}
	if _, err := server.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("Second read after peer close = %v, want io.EOF", err)
	}

	// The client only half-closed its socket, so the reply still goes out.
	if _, err := server.WriteAll([]byte("reply")); err != nil {
		t.Fatalf("Server write after peer close failed: %v", err)
	}
	if err := server.Flush(); err != nil {
		t.Fatalf("Server flush failed: %v", err)
	}
	if err := server.Shutdown(); err != nil {
		t.Fatalf("Server shutdown failed: %v", err)
	}
	if server.State() != duplex.StateClosed {
		t.Errorf("Server state = %v, want CLOSED", server.State())
	}
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return b
}
