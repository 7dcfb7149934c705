package rethinkgo

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// responseType is the wire-level "t" field of a JSON response.
type responseType int

const (
	respSuccessAtom     responseType = 1
	respSuccessSequence responseType = 2
	respSuccessPartial  responseType = 3
	respWaitComplete    responseType = 4
	respSuccessFeed     responseType = 5
	respServerInfo      responseType = 6
	respClientError     responseType = 16
	respCompileError    responseType = 17
	respRuntimeError    responseType = 18
)

// wireResponse mirrors the JSON response envelope: {"t":..,"r":..,"b":..}.
type wireResponse struct {
	T responseType      `json:"t"`
	R []json.RawMessage `json:"r"`
	B json.RawMessage   `json:"b,omitempty"`
	N json.RawMessage   `json:"n,omitempty"`
	P json.RawMessage   `json:"p,omitempty"`
}

// sinkCapacity bounds how many undelivered response frames a single query
// may accumulate before the router blocks, which back-pressures the socket
// reader. datastax-go-cassandra-native-protocol's client.go uses the same
// figure (DefaultMaxPending = 10) for its per-stream-id channel.
const sinkCapacity = 10

// sink is the per-token delivery channel the router writes into and a
// cursor (or a blocked start/continue call) reads out of. It is SPSC: the
// router is the only producer, the owning caller/cursor the only consumer.
//
// closeSignal, not ch, is what close() closes. deliver's send to ch can
// legitimately block -- a full sink is expected back-pressure per spec
// (a slow consumer of a FEED/partial response stalls the one goroutine
// reading the socket, by design) -- so close() must never contend for the
// same lock deliver might be holding while parked on that send. ch itself
// is never closed: a blocked deliver either completes its send or exits
// via the signal, and consumers watch closeSignal to learn the sink is
// gone.
type sink struct {
	ch          chan wireResponse
	closeSignal chan struct{}
	mu          sync.Mutex
	closed      bool
}

func newSink() *sink {
	return &sink{
		ch:          make(chan wireResponse, sinkCapacity),
		closeSignal: make(chan struct{}),
	}
}

// deliver hands one response to the sink, or gives up if the sink is closed
// while the send is blocked. It never holds s.mu across the (potentially
// blocking) channel send, so a concurrent close() can always proceed.
func (s *sink) deliver(r wireResponse) {
	select {
	case s.ch <- r:
	case <-s.closeSignal:
	}
}

// close marks the sink closed and unblocks any deliver parked on a full
// channel. It is idempotent and safe to call concurrently with deliver.
func (s *sink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.closeSignal)
}

// inflightMap is the shared token -> sink table. A token is registered at
// most once for the lifetime of the connection; lookups on each inbound
// frame and removal on terminal responses must all be atomic with respect
// to each other.
type inflightMap struct {
	mu sync.RWMutex
	m  map[uint64]*sink
}

func newInflightMap() *inflightMap {
	return &inflightMap{m: make(map[uint64]*sink)}
}

func (im *inflightMap) register(token uint64) *sink {
	s := newSink()
	im.mu.Lock()
	im.m[token] = s
	im.mu.Unlock()
	return s
}

func (im *inflightMap) lookup(token uint64) (*sink, bool) {
	im.mu.RLock()
	s, ok := im.m[token]
	im.mu.RUnlock()
	return s, ok
}

func (im *inflightMap) unregister(token uint64) {
	im.mu.Lock()
	s, ok := im.m[token]
	delete(im.m, token)
	im.mu.Unlock()
	if ok {
		s.close()
	}
}

// tokens returns a snapshot of every currently-registered token, used by
// Close to issue STOP for each one and by tests.
func (im *inflightMap) tokens() []uint64 {
	im.mu.RLock()
	defer im.mu.RUnlock()
	out := make([]uint64, 0, len(im.m))
	for t := range im.m {
		out = append(out, t)
	}
	return out
}

// closeAll closes every registered sink and empties the map. Used when the
// connection transitions to closed so that every blocked caller observes
// the closed sink (and returns ClosedError) rather than hanging.
func (im *inflightMap) closeAll() {
	im.mu.Lock()
	sinks := make([]*sink, 0, len(im.m))
	for _, s := range im.m {
		sinks = append(sinks, s)
	}
	im.m = make(map[uint64]*sink)
	im.mu.Unlock()
	for _, s := range sinks {
		s.close()
	}
}

// runRouter owns the inbound half of conn after the handshake. It reads raw
// bytes, incrementally slices them into frames, parses each frame's JSON
// envelope, and demultiplexes by token to the matching sink. It runs until
// the inbound stream ends, at which point it closes every still-registered
// sink and marks the connection closed.
func runRouter(c *Connection) {
	defer close(c.readDone)
	defer c.markClosed()

	dec := &frameDecoder{}
	buf := make([]byte, 32*1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			for _, f := range dec.feed(buf[:n]) {
				c.routeFrame(f)
			}
		}
		if err != nil {
			if err != io.EOF {
				c.log.WithError(err).Warn("rethinkgo: connection read failed")
			}
			return
		}
	}
}

// routeFrame delivers a single inbound frame to the sink registered for its
// token, or logs and discards it if no such sink exists. A miss is expected
// when a STOP raced the server's terminal response for that token.
func (c *Connection) routeFrame(f frame) {
	var resp wireResponse
	if err := json.Unmarshal(f.payload, &resp); err != nil {
		c.log.WithFields(logrus.Fields{"token": f.token}).WithError(err).
			Warn("rethinkgo: malformed response frame")
		return
	}

	s, ok := c.inflight.lookup(f.token)
	if !ok {
		c.log.WithField("token", f.token).Warn("rethinkgo: response for unknown token, discarding")
		return
	}
	s.deliver(resp)
}
