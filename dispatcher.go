package rethinkgo

import (
	"context"
	"encoding/json"
	"fmt"
)

// Term is an already-built RethinkDB query AST: a JSON-encodable value
// produced by a query-builder this package does not implement (see doc.go).
type Term = any

// dbTermID is the ql2 TermType for DB, used to splice a default database
// into a START query's global options (spec: "{'db': [DB_TERM_ID,
// [default_db]]}").
const dbTermID = 14

// serverInfoTermID is the ql2 TermType for SERVER_INFO.
const serverInfoTermID = 153

// Run starts a single query and blocks for its first response. It returns:
//
//   - a decoded atom (any) for a SUCCESS_ATOM response
//   - a decoded sequence ([]any) for a SUCCESS_SEQUENCE response
//   - a *Cursor for a SUCCESS_PARTIAL or SUCCESS_FEED response
//
// Server-level failures come back as ServerError; the connection remains
// usable after one. I/O and protocol failures come back as IOError,
// ProtocolError, or ClosedError.
func (c *Connection) Run(ctx context.Context, query Term, globalOpts ...map[string]any) (any, error) {
	if c.isClosed() {
		return nil, ClosedError{}
	}

	token := c.allocateToken()
	body := []any{1, query}
	if len(globalOpts) > 0 {
		body = append(body, globalOpts[0])
	}
	body = c.spliceDefaultDB(body)

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("rethinkgo: could not marshal query: %w", err)
	}

	s := c.inflight.register(token)

	if err := c.writeFrame(token, payload); err != nil {
		c.inflight.unregister(token)
		return nil, err
	}

	resp, err := c.awaitOne(ctx, token, s)
	if err != nil {
		return nil, err
	}
	return c.interpretStart(token, query, resp)
}

// spliceDefaultDB implements spec §4.4 step 2: a START body of exactly two
// elements (query type + term, carrying no global options) gets a third
// element appended naming the connection's default database. A body that
// already carries options (length != 2) passes through unchanged.
func (c *Connection) spliceDefaultDB(body []any) []any {
	if c.defaultDB == "" || len(body) != 2 {
		return body
	}
	return append(body, map[string]any{"db": []any{dbTermID, []any{c.defaultDB}}})
}

func (c *Connection) interpretStart(token uint64, query Term, resp wireResponse) (any, error) {
	switch resp.T {
	case respSuccessAtom, respServerInfo:
		c.inflight.unregister(token)
		return c.decodeFirst(resp.R)
	case respSuccessSequence:
		c.inflight.unregister(token)
		return c.decodeSequence(resp.R)
	case respSuccessPartial, respSuccessFeed:
		return newCursor(c, token, resp.R), nil
	case respClientError, respCompileError, respRuntimeError:
		c.inflight.unregister(token)
		return nil, c.serverError(resp, query)
	default:
		c.inflight.unregister(token)
		return nil, ProtocolError{Reason: fmt.Sprintf("unexpected response type %d", resp.T)}
	}
}

func (c *Connection) decodeFirst(raw []json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return c.decoder.DecodeValue(raw[0])
}

func (c *Connection) decodeSequence(raw []json.RawMessage) ([]any, error) {
	out := make([]any, 0, len(raw))
	for _, r := range raw {
		v, err := c.decoder.DecodeValue(r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (c *Connection) serverError(resp wireResponse, query Term) error {
	var kind ServerErrorKind
	switch resp.T {
	case respCompileError:
		kind = CompileError
	case respRuntimeError:
		kind = RuntimeError
	default:
		kind = ClientError
	}
	var msg string
	if len(resp.R) > 0 {
		_ = json.Unmarshal(resp.R[0], &msg)
	}
	return ServerError{Kind: kind, Message: msg, Backtrace: resp.B, Query: query}
}

// continueToken sends CONTINUE for token and awaits the next batch. The
// bool return reports whether the cursor remains pending: true for another
// SUCCESS_PARTIAL/SUCCESS_FEED batch, false once a terminal SUCCESS_SEQUENCE
// closes the stream (the token is unregistered in that case).
func (c *Connection) continueToken(ctx context.Context, token uint64) ([]json.RawMessage, bool, error) {
	if c.isClosed() {
		return nil, false, ClosedError{}
	}
	s, ok := c.inflight.lookup(token)
	if !ok {
		return nil, false, ErrCursorExhausted
	}

	if err := c.writeQueryType(token, 2); err != nil { // CONTINUE
		return nil, false, err
	}

	resp, err := c.awaitOne(ctx, token, s)
	if err != nil {
		return nil, false, err
	}

	switch resp.T {
	case respSuccessPartial, respSuccessFeed:
		return resp.R, true, nil
	case respSuccessSequence:
		c.inflight.unregister(token)
		return resp.R, false, nil
	case respClientError, respCompileError, respRuntimeError:
		c.inflight.unregister(token)
		return nil, false, c.serverError(resp, nil)
	default:
		c.inflight.unregister(token)
		return nil, false, ProtocolError{Reason: fmt.Sprintf("unexpected response type %d for CONTINUE", resp.T)}
	}
}

// stopToken sends STOP for token and immediately unregisters it. STOP is
// fire-and-forget: it never waits for a reply, so a subsequent response for
// this token (if the server sends one) is discarded by the router as an
// unknown-token miss.
func (c *Connection) stopToken(token uint64) {
	_ = c.writeQueryType(token, 3) // STOP, best-effort
	c.inflight.unregister(token)
}

// awaitOne blocks for the next frame delivered to s, unless ctx is canceled
// first or the connection closes. Cancellation unregisters the token and
// attempts a best-effort STOP so the server stops pushing results nobody is
// reading anymore.
func (c *Connection) awaitOne(ctx context.Context, token uint64, s *sink) (wireResponse, error) {
	// A response already buffered in s.ch takes priority over a close that
	// raced it in: drain it first rather than letting select's random pick
	// between s.ch and s.closeSignal discard a real answer.
	select {
	case resp := <-s.ch:
		return resp, nil
	default:
	}

	select {
	case resp := <-s.ch:
		return resp, nil
	case <-s.closeSignal:
		return wireResponse{}, ClosedError{}
	case <-ctx.Done():
		c.inflight.unregister(token)
		_ = c.writeQueryType(token, 3) // STOP
		return wireResponse{}, ctx.Err()
	}
}

// NoReplyWait blocks until the server acknowledges that every query issued
// with noreply semantics ahead of this call has completed (response type 4,
// WAIT_COMPLETE). It is a thin wrapper around the NOREPLY_WAIT wire form
// named in spec §6 but not otherwise given an operation.
func (c *Connection) NoReplyWait(ctx context.Context) error {
	if c.isClosed() {
		return ClosedError{}
	}
	token := c.allocateToken()
	s := c.inflight.register(token)

	if err := c.writeQueryType(token, 4); err != nil { // NOREPLY_WAIT
		c.inflight.unregister(token)
		return err
	}

	resp, err := c.awaitOne(ctx, token, s)
	if err != nil {
		return err
	}
	c.inflight.unregister(token)

	if resp.T != respWaitComplete {
		return ProtocolError{Reason: fmt.Sprintf("unexpected response type %d for NOREPLY_WAIT", resp.T)}
	}
	return nil
}

// ServerInfo issues the bare SERVER_INFO term some servers answer with a
// response-type-6 (SERVER_INFO_SUCCESS) reply, decoded the same way as an
// atom.
func (c *Connection) ServerInfo(ctx context.Context) (any, error) {
	return c.Run(ctx, []any{serverInfoTermID})
}
