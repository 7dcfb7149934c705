package rethinkgo

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Version identifies which handshake magic to send. Only the pre-SCRAM
// handshakes (V1-V4) are implemented; see handshake.go.
type Version uint32

const (
	VersionV1 Version = 0x3F61BA36
	VersionV2 Version = 0x723081E1
	VersionV3 Version = 0x5F75E83E
	VersionV4 Version = 0x400C2D20
)

// Protocol identifies the wire serialization negotiated during the
// handshake. Only JSON is implemented; Protobuf is recognized so a caller
// that selects it gets an explicit "not implemented" error from the
// handshake, but it is never selected (spec: "the core negotiates JSON only").
type Protocol uint32

const (
	ProtocolJSON     Protocol = 0x7E6970C7
	ProtocolProtobuf Protocol = 0x271FFC41
)

// Decoder converts a raw server-side datum (one element of a response's "r"
// array) into a caller-visible value. The dispatcher and cursor invoke it
// opaquely -- they never branch on the shape of the datum themselves.
type Decoder interface {
	DecodeValue(raw json.RawMessage) (any, error)
}

// DecoderFunc adapts a plain function to the Decoder interface.
type DecoderFunc func(raw json.RawMessage) (any, error)

func (f DecoderFunc) DecodeValue(raw json.RawMessage) (any, error) { return f(raw) }

// defaultDecoder unmarshals a datum into a plain `any` the way encoding/json
// would: no pseudo-type handling. It exists so the package is directly
// usable without a caller-supplied decoder.
var defaultDecoder Decoder = DecoderFunc(func(raw json.RawMessage) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
})

// Config configures a single connection to a RethinkDB server.
type Config struct {
	// Host is the server to dial. Defaults to 127.0.0.1.
	Host string
	// Port is the server's driver port. Defaults to 28015.
	Port int
	// AuthKey is sent during the handshake. An empty key writes a
	// zero-length auth section (spec: "empty ⇒ 4-byte zero length").
	AuthKey string
	// DefaultDB, if set, is spliced into the global options of any START
	// query whose AST does not already carry options (see dispatcher.go).
	DefaultDB string
	// Version selects the handshake magic. Defaults to VersionV4.
	Version Version
	// Protocol selects the wire serialization. Only ProtocolJSON is
	// implemented; it is also the default.
	Protocol Protocol
	// TokenSeed is the first token issued by this connection. Defaults to 0.
	TokenSeed uint64
	// ConnectTimeout bounds dialing and the handshake round-trip. Zero
	// means no timeout.
	ConnectTimeout time.Duration
	// Decoder converts raw datums into caller values. Defaults to a plain
	// encoding/json unmarshal with no pseudo-type handling.
	Decoder Decoder
	// Logger receives connection and router diagnostics. Defaults to
	// logrus's standard logger.
	Logger logrus.FieldLogger
	// ConnectionID tags this connection's log lines, which is useful when
	// a process holds several. A random uuid is generated when empty.
	ConnectionID string
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 28015
	}
	if c.Version == 0 {
		c.Version = VersionV4
	}
	if c.Protocol == 0 {
		c.Protocol = ProtocolJSON
	}
	if c.Decoder == nil {
		c.Decoder = defaultDecoder
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.ConnectionID == "" {
		c.ConnectionID = uuid.NewString()
	}
	return c
}
