// Package rethinkgo implements the connection-level wire protocol for
// RethinkDB (http://www.rethinkdb.com/): the version/auth handshake, the
// length-prefixed frame codec, and the token-multiplexed query dispatcher
// that lets many logical queries share one TCP socket.
//
// This package does not build queries. It receives already-built query ASTs
// (plain Go values that marshal to the RethinkDB term-tree JSON, see Term)
// and hands back whatever the server says: a single value, a full sequence,
// or a Cursor over a partial/feed response. Decoding server-side pseudo-types
// (times, binary, grouped data) is likewise left to the caller via the
// Decoder hook in Config -- this package only ever sees them as raw JSON.
//
// Example usage:
//
//  conn, err := rethinkgo.Open(ctx, rethinkgo.Config{
//      Host:      "localhost",
//      DefaultDB: "test",
//  })
//  if err != nil {
//      log.Fatal(err)
//  }
//  defer conn.Close()
//
//  result, err := conn.Run(ctx, []any{15, []any{[]any{1, []any{"heroes"}}}})
//  switch v := result.(type) {
//  case *rethinkgo.Cursor:
//      defer v.Close()
//      for {
//          row, err := v.Next(ctx)
//          if err == io.EOF {
//              break
//          }
//          _ = row
//      }
//  default:
//      // atom or full sequence
//      _ = v
//  }
package rethinkgo
