package duplex

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duplex-tls/duplex-go/pkg/engine"
	"github.com/duplex-tls/duplex-go/pkg/engine/sealed"
	"github.com/duplex-tls/duplex-go/pkg/transport"
)

// sealedPair connects a sealed client and server stream over an in-memory
// pipe.
func sealedPair(t *testing.T, clientCfg sealed.Config, link transport.LinkConfig, opts ...Option) (client, server *Stream) {
	t.Helper()

	clientCfg.Role = engine.RoleClient
	clientEng, err := sealed.New(clientCfg)
	require.NoError(t, err)
	serverEng, err := sealed.NewServer()
	require.NoError(t, err)

	a, b := transport.Pipe(link, link)
	opts = append([]Option{WithConfig(testConfig())}, opts...)
	client, err = New(clientEng, a, a, opts...)
	require.NoError(t, err)
	server, err = New(serverEng, b, b, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestSealedHTTPExchange(t *testing.T) {
	request := []byte("GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
	response := []byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")

	client, server := sealedPair(t, sealed.Config{}, transport.LinkConfig{Latency: time.Millisecond})

	type served struct {
		request []byte
		err     error
	}
	done := make(chan served, 1)
	go func() {
		var got []byte
		chunk := make([]byte, 16)
		for !bytes.HasSuffix(got, []byte("\r\n\r\n")) {
			n, err := server.Read(chunk)
			if err != nil {
				done <- served{got, err}
				return
			}
			got = append(got, chunk[:n]...)
		}
		if _, err := server.WriteAll(response); err != nil {
			done <- served{got, err}
			return
		}
		done <- served{got, server.Shutdown()}
	}()

	_, err := client.WriteAll(request)
	require.NoError(t, err)
	require.NoError(t, client.Flush())
	assert.Equal(t, StateEstablished, client.State())

	got, err := client.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, response, got)
	assert.Equal(t, StateClosingRemote, client.State())

	select {
	case s := <-done:
		require.NoError(t, s.err)
		assert.Equal(t, request, s.request)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not finish")
	}
	assert.Equal(t, StateClosed, server.State())

	require.NoError(t, client.Shutdown())
	assert.Equal(t, StateClosed, client.State())

	cs := client.Stats()
	assert.Equal(t, int64(len(request)), cs.BytesWritten)
	assert.Equal(t, int64(len(response)), cs.BytesRead)
	assert.Positive(t, cs.ControlWrites, "client hello")
	assert.Greater(t, cs.TransportBytesOut, cs.BytesWritten, "records carry overhead")
}

func TestSealedWriteWhilePeerIdle(t *testing.T) {
	client, server := sealedPair(t, sealed.Config{}, transport.LinkConfig{Latency: time.Millisecond})

	// Nothing is called on the server: it must still answer the hello.
	writeCh := goWrite(client, []byte("hi"))
	w := await(t, writeCh, "client write")
	require.NoError(t, w.err)
	assert.Equal(t, 2, w.n)
	assert.Equal(t, StateEstablished, client.State())
	require.Eventually(t, func() bool {
		return server.State() == StateEstablished
	}, time.Second, 5*time.Millisecond)

	buf := make([]byte, 2)
	_, err := server.ReadFull(buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf))
}

func TestSealedPartialWritesReassemble(t *testing.T) {
	client, server := sealedPair(t, sealed.Config{MaxFragment: 10}, transport.LinkConfig{})

	payload := []byte("0123456789abcdefghij-and-a-tail")
	received := make(chan []byte, 1)
	go func() {
		buf := make([]byte, len(payload))
		n, _ := server.ReadFull(buf)
		received <- buf[:n]
	}()

	sent := 0
	for sent < len(payload) {
		n, err := client.Write(payload[sent:])
		require.NoError(t, err)
		assert.LessOrEqual(t, n, 10, "one fragment per write")
		sent += n
	}

	select {
	case got := <-received:
		assert.Equal(t, payload, got)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not receive the payload")
	}
}

func TestSealedKeyUpdateWhileStreaming(t *testing.T) {
	client, server := sealedPair(t, sealed.Config{}, transport.LinkConfig{})

	// Server echoes until the client closes.
	go func() {
		buf := make([]byte, 256)
		for {
			n, err := server.Read(buf)
			if err != nil {
				server.Shutdown()
				return
			}
			if _, err := server.WriteAll(buf[:n]); err != nil {
				return
			}
		}
	}()

	reply := make([]byte, 4)
	for i, msg := range []string{"one!", "two!", "thr!"} {
		_, err := client.WriteAll([]byte(msg))
		require.NoError(t, err)
		_, err = client.ReadFull(reply)
		require.NoError(t, err)
		assert.Equal(t, msg, string(reply))
		if i == 0 {
			require.NoError(t, client.UpdateKeys())
		}
	}
	assert.Equal(t, int64(1), client.Stats().KeyUpdates)

	require.NoError(t, client.Shutdown())
	_, err := client.Read(reply)
	assert.True(t, errors.Is(err, io.EOF) || errors.Is(err, ErrClosed), "got %v", err)
}

func TestSealedHandshakeFailureFaults(t *testing.T) {
	local, err := sealed.NewClient()
	require.NoError(t, err)
	other, err := sealed.NewClient()
	require.NoError(t, err)

	in := transport.NewScriptedReader()
	out := transport.NewRecordingWriter(nil)
	s, err := New(local, in, out, WithConfig(testConfig()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.True(t, out.WaitForCount(1, time.Second), "client hello written")
	readCh := goRead(s, 8)
	in.Push(engine.Drain(other))

	r := await(t, readCh, "read")
	require.ErrorIs(t, r.err, ErrFaulted)
	assert.ErrorIs(t, r.err, sealed.ErrRoleMismatch)
	assert.True(t, engine.IsProtocolError(r.err))
	assert.Equal(t, 1, out.Count(), "only the client hello was written")
}
