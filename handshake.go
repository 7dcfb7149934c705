package rethinkgo

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// encodeHandshake builds the pre-session handshake frame:
//
//	u32_le version || u32_le auth_len || auth_bytes || u32_le protocol
//
// An empty auth key writes exactly four zero bytes and nothing else.
func encodeHandshake(version Version, authKey string, protocol Protocol) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint32(version))
	binary.Write(buf, binary.LittleEndian, uint32(len(authKey)))
	buf.WriteString(authKey)
	binary.Write(buf, binary.LittleEndian, uint32(protocol))
	return buf.Bytes()
}

// readBanner reads the server's NUL-terminated ASCII reply to the handshake
// frame and strips trailing non-word characters (the reference server pads
// the banner with stray whitespace/punctuation in some versions).
func readBanner(r io.Reader) (string, error) {
	var out []byte
	one := make([]byte, 1)
	for {
		if _, err := io.ReadFull(r, one); err != nil {
			return "", err
		}
		if one[0] == 0 {
			break
		}
		out = append(out, one[0])
	}
	return string(bytes.TrimRightFunc(out, isNonWord)), nil
}

func isNonWord(r rune) bool {
	isAlnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
	return !isAlnum
}

// negotiate performs the synchronous pre-session handshake over conn and
// returns once the server has admitted the connection with banner
// "SUCCESS". Any other banner is a HandshakeError.
//
// Adding a later handshake version (the SCRAM-style multi-step negotiation
// newer servers use) is meant to be additive here: a new Version constant
// plus a branch in this function, without touching the framing, router,
// dispatcher, or cursor below it.
func negotiate(rw io.ReadWriter, cfg Config) error {
	if cfg.Protocol != ProtocolJSON {
		return fmt.Errorf("rethinkgo: protocol %#x is not implemented, only JSON is supported", uint32(cfg.Protocol))
	}

	if _, err := rw.Write(encodeHandshake(cfg.Version, cfg.AuthKey, cfg.Protocol)); err != nil {
		return IOError{Op: "handshake write", Err: err}
	}

	banner, err := readBanner(rw)
	if err != nil {
		return IOError{Op: "handshake read", Err: err}
	}

	if banner != "SUCCESS" {
		return HandshakeError{Banner: banner, Host: cfg.Host, Port: cfg.Port}
	}
	return nil
}
