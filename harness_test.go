package rethinkgo

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// testLogger is a logrus logger with output suppressed, so test runs stay
// quiet even though the router logs warnings on expected misses.
func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// serverReadHandshake consumes the client's handshake frame from the server
// side of the pipe: version || auth_len || auth_bytes || protocol.
func serverReadHandshake(t *testing.T, server net.Conn) {
	t.Helper()
	var hdr [8]byte
	_, err := io.ReadFull(server, hdr[:])
	require.NoError(t, err)

	authLen := binary.LittleEndian.Uint32(hdr[4:8])
	if authLen > 0 {
		auth := make([]byte, authLen)
		_, err := io.ReadFull(server, auth)
		require.NoError(t, err)
	}

	var protocol [4]byte
	_, err = io.ReadFull(server, protocol[:])
	require.NoError(t, err)
}

// serverWriteBanner writes a NUL-terminated banner, as the real server does
// after the handshake frame.
func serverWriteBanner(t *testing.T, server net.Conn, banner string) {
	t.Helper()
	_, err := server.Write(append([]byte(banner), 0))
	require.NoError(t, err)
}

// serverReadFrame reads exactly one wire frame from the server side of the
// pipe, blocking until it is fully available.
func serverReadFrame(t *testing.T, server net.Conn) frame {
	t.Helper()
	var hdr [frameHeaderSize]byte
	_, err := io.ReadFull(server, hdr[:])
	require.NoError(t, err)

	token := binary.LittleEndian.Uint64(hdr[0:8])
	length := binary.LittleEndian.Uint32(hdr[8:12])
	payload := make([]byte, length)
	if length > 0 {
		_, err = io.ReadFull(server, payload)
		require.NoError(t, err)
	}
	return frame{token: token, payload: payload}
}

// serverWriteResponse marshals resp and writes it back tagged with token.
func serverWriteResponse(t *testing.T, server net.Conn, token uint64, resp wireResponse) {
	t.Helper()
	payload, err := json.Marshal(resp)
	require.NoError(t, err)
	_, err = server.Write(encodeFrame(frame{token: token, payload: payload}))
	require.NoError(t, err)
}

// newTestConnection dials an in-process net.Pipe, runs serve on the server
// side in its own goroutine, and returns the resulting Connection. serve is
// responsible for consuming the handshake and replying "SUCCESS".
func newTestConnection(t *testing.T, cfg Config, serve func(t *testing.T, server net.Conn)) *Connection {
	t.Helper()

	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		serve(t, server)
	}()

	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}

	c, err := newConnection(client, cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		c.Close()
		server.Close()
		<-done
	})

	return c
}

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
