package rethinkgo

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenHandshakeSuccess(t *testing.T) {
	c := newTestConnection(t, Config{Host: "127.0.0.1", Port: 28015}, func(t *testing.T, server net.Conn) {
		serverReadHandshake(t, server)
		serverWriteBanner(t, server, "SUCCESS")
		// keep the pipe open until the test closes it
		buf := make([]byte, 1)
		for {
			if _, err := server.Read(buf); err != nil {
				return
			}
		}
	})
	require.NotNil(t, c)
	assert.False(t, c.isClosed())
}

func TestOpenHandshakeFailureSurfacesBanner(t *testing.T) {
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		serverReadHandshake(t, server)
		serverWriteBanner(t, server, "ERROR: bad auth key")
	}()

	_, err := newConnection(client, Config{Host: "db.example.com", Port: 28015, Logger: testLogger()})
	<-done
	require.Error(t, err)

	var hsErr HandshakeError
	require.ErrorAs(t, err, &hsErr)
	assert.Equal(t, "ERROR: bad auth key", hsErr.Banner)
	assert.Equal(t, "db.example.com", hsErr.Host)
}

func TestOpenHandshakeTimesOutWhenServerStalls(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { server.Close() })

	_, err := newConnection(client, Config{
		Host:           "db.example.com",
		Port:           28015,
		Logger:         testLogger(),
		ConnectTimeout: 20 * time.Millisecond,
	})
	require.Error(t, err)

	var ioErr IOError
	assert.ErrorAs(t, err, &ioErr)
}

func TestCloseWhileInFlightFailsAllCallers(t *testing.T) {
	serverUp := make(chan net.Conn, 1)
	c := newTestConnection(t, Config{Logger: testLogger()}, func(t *testing.T, server net.Conn) {
		serverReadHandshake(t, server)
		serverWriteBanner(t, server, "SUCCESS")
		serverUp <- server
		// never answer the START queries that follow; the test closes the
		// connection out from under them.
		buf := make([]byte, 4096)
		for {
			if _, err := server.Read(buf); err != nil {
				return
			}
		}
	})
	<-serverUp

	const n = 5
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := c.Run(context.Background(), []any{1, []any{1, []any{"foo"}}})
			errCh <- err
		}()
	}

	// give the goroutines a moment to register and block on their sinks
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, c.Close())

	for i := 0; i < n; i++ {
		err := <-errCh
		require.Error(t, err)
		assert.ErrorIs(t, err, ClosedError{})
	}

	assert.Empty(t, c.inflight.tokens())
}

func TestCloseIsIdempotent(t *testing.T) {
	c := newTestConnection(t, Config{Logger: testLogger()}, func(t *testing.T, server net.Conn) {
		serverReadHandshake(t, server)
		serverWriteBanner(t, server, "SUCCESS")
	})

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}
