package rethinkgo

import (
	"context"
	"encoding/json"
	"io"
	"runtime"
	"sync"
)

// Cursor is a single-consumer lazy stream over the successive partial
// batches of one token. It is returned by Run for SUCCESS_PARTIAL and
// SUCCESS_FEED responses.
//
// Callers must call Close when they stop reading before exhaustion, to let
// the server know to discard the rest of the result (spec: cursor exit must
// either have observed a terminal response or emit a STOP). A finalizer is
// registered as a safety net for callers who forget, mirroring the pattern
// SagerNet/smux uses for its Stream type -- it is not a substitute for an
// explicit Close, since finalizers run at an unpredictable time.
type Cursor struct {
	conn  *Connection
	token uint64

	mu       sync.Mutex
	buffered []json.RawMessage
	pending  bool
	closed   bool
}

func newCursor(c *Connection, token uint64, firstBatch []json.RawMessage) *Cursor {
	cur := &Cursor{
		conn:     c,
		token:    token,
		buffered: firstBatch,
		pending:  true,
	}
	runtime.SetFinalizer(cur, func(cur *Cursor) {
		cur.Close()
	})
	return cur
}

// Next returns the next value in the stream, fetching another batch with
// CONTINUE if the currently buffered one is drained and more are pending.
// It returns io.EOF once the stream is exhausted.
func (cur *Cursor) Next(ctx context.Context) (any, error) {
	cur.mu.Lock()
	defer cur.mu.Unlock()

	if cur.closed {
		return nil, ErrCursorClosed
	}

	for len(cur.buffered) == 0 {
		if !cur.pending {
			cur.closed = true
			return nil, io.EOF
		}

		batch, more, err := cur.conn.continueToken(ctx, cur.token)
		if err != nil {
			cur.closed = true
			return nil, err
		}
		cur.buffered = batch
		cur.pending = more
	}

	raw := cur.buffered[0]
	cur.buffered = cur.buffered[1:]
	return cur.conn.decoder.DecodeValue(raw)
}

// Close sends STOP exactly once if the cursor is still pending more batches
// and transitions it to Closed. Subsequent Next calls report ErrCursorClosed;
// subsequent Close calls are no-ops.
func (cur *Cursor) Close() error {
	cur.mu.Lock()
	defer cur.mu.Unlock()

	if cur.closed {
		return nil
	}
	cur.closed = true

	if cur.pending {
		cur.conn.stopToken(cur.token)
	}

	runtime.SetFinalizer(cur, nil)
	return nil
}
