package rethinkgo

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Connection is a single duplex TCP connection to a RethinkDB server, past
// the handshake. It owns the socket; the router goroutine owns the inbound
// half, callers of Run/Cursor.Next share the outbound half under writeMu.
type Connection struct {
	id   string
	conn net.Conn
	log  logrus.FieldLogger

	writeMu sync.Mutex

	nextToken uint64 // atomic, see allocateToken/Config.TokenSeed

	defaultDB string
	decoder   Decoder

	inflight *inflightMap

	version  Version
	protocol Protocol

	closed    atomic.Bool
	closeOnce sync.Once
	readDone  chan struct{}
}

// Open dials host:port, performs the version/auth/protocol handshake, and
// returns a Connection ready to accept Run calls. The connection is only
// returned once the server has admitted it with banner "SUCCESS"; any other
// banner surfaces as a HandshakeError.
func Open(ctx context.Context, cfg Config) (*Connection, error) {
	cfg = cfg.withDefaults()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	var d net.Dialer
	if cfg.ConnectTimeout > 0 {
		d.Timeout = cfg.ConnectTimeout
	}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, IOError{Op: "dial", Err: err}
	}

	return newConnection(nc, cfg)
}

// newConnection wraps an already-established net.Conn -- for instance one
// already upgraded with tls.Client -- and runs the handshake over it. TLS
// itself is out of scope for this package: wrap the socket before calling
// this, then hand it the result.
func newConnection(nc net.Conn, cfg Config) (*Connection, error) {
	cfg = cfg.withDefaults()

	if cfg.ConnectTimeout > 0 {
		if err := nc.SetDeadline(time.Now().Add(cfg.ConnectTimeout)); err != nil {
			nc.Close()
			return nil, IOError{Op: "set handshake deadline", Err: err}
		}
	}

	if err := negotiate(nc, cfg); err != nil {
		nc.Close()
		return nil, err
	}

	if cfg.ConnectTimeout > 0 {
		// Clear the deadline now that the handshake is done: the router and
		// dispatcher manage their own liveness via context cancellation and
		// Close, not socket deadlines.
		if err := nc.SetDeadline(time.Time{}); err != nil {
			nc.Close()
			return nil, IOError{Op: "clear handshake deadline", Err: err}
		}
	}

	c := &Connection{
		id:        cfg.ConnectionID,
		conn:      nc,
		log:       cfg.Logger.WithField("conn", cfg.ConnectionID),
		nextToken: cfg.TokenSeed,
		defaultDB: cfg.DefaultDB,
		decoder:   cfg.Decoder,
		inflight:  newInflightMap(),
		version:   cfg.Version,
		protocol:  cfg.Protocol,
		readDone:  make(chan struct{}),
	}

	go runRouter(c)

	return c, nil
}

// allocateToken returns the next token to use for a new query. Token
// allocation is thread-safe; wrap-around is not handled, as the 64-bit
// space is effectively infinite for a single connection's lifetime.
func (c *Connection) allocateToken() uint64 {
	return atomic.AddUint64(&c.nextToken, 1) - 1
}

// writeFrame serializes and writes a single wire frame. Writes are
// serialized by writeMu so concurrent callers never interleave partial
// frames on the socket.
func (c *Connection) writeFrame(token uint64, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.conn.Write(encodeFrame(frame{token: token, payload: payload})); err != nil {
		c.markClosed()
		return IOError{Op: "write", Err: err}
	}
	return nil
}

func (c *Connection) writeQueryType(token uint64, queryType int, rest ...any) error {
	body := append([]any{queryType}, rest...)
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("rethinkgo: could not marshal query: %w", err)
	}
	return c.writeFrame(token, payload)
}

// markClosed transitions the connection to closed exactly once: it closes
// the socket, fails every still-registered sink (which unblocks any caller
// waiting in Run/continueToken/Cursor.Next with a ClosedError), and records
// the closed state so future calls fail fast.
func (c *Connection) markClosed() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.conn.Close()
		c.inflight.closeAll()
	})
}

// Close issues a best-effort STOP for every still-inflight token, then
// closes the socket and fails any still-waiting callers with ClosedError.
// Close is idempotent.
func (c *Connection) Close() error {
	if c.closed.Load() {
		return nil
	}

	var g errgroup.Group
	for _, token := range c.inflight.tokens() {
		token := token
		g.Go(func() error {
			// Best-effort: ignore write failures, the socket is going away
			// regardless.
			_ = c.writeQueryType(token, 3) // STOP
			return nil
		})
	}
	g.Wait()

	c.markClosed()
	<-c.readDone
	return nil
}

// isClosed reports whether the connection has already transitioned to
// closed, used by the dispatcher to fail fast instead of blocking forever
// on a socket that is already gone.
func (c *Connection) isClosed() bool {
	return c.closed.Load()
}
