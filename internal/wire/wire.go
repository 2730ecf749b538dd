// Package wire implements the gateway control protocol's binary framing:
// a 4-byte big-endian length prefix followed by a CBOR-encoded map, with
// byte payloads (data, session_id, nonce, signature, public_key) always encoded as
// CBOR byte strings (major type 2), never arrays of integers. Real CBOR
// encoding is provided by github.com/fxamacker/cbor/v2, the library
// several manifests in the retrieval pack (e.g. gravitational/teleport)
// already depend on for the same purpose.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Code is a control-protocol message type, per specification §4.18/§6.4.
type Code uint8

const (
	OpenTCP       Code = 0x70
	OpenUDP       Code = 0x71
	ResolveDNS    Code = 0x72
	GatewayOK     Code = 0x73
	GatewayFail   Code = 0x74
	GatewayClose  Code = 0x75
	InboundOpen   Code = 0x76
	InboundAccept Code = 0x77
	InboundReject Code = 0x78
	DNSResult     Code = 0x79
	ListenRequest Code = 0x7a
	ListenOK      Code = 0x7b
	ListenFail    Code = 0x7c
	ListenClose   Code = 0x7d
	GatewayData   Code = 0x7e
	AuthChallenge Code = 0x7f
	AuthResponse  Code = 0x80
)

// Message is the union of every control-protocol field. Only the fields
// relevant to Type are populated; cbor:",omitempty" keeps the wire
// encoding compact.
type Message struct {
	Type Code `cbor:"type"`

	GatewayID  uint64 `cbor:"gateway_id,omitempty"`
	ListenerID uint64 `cbor:"listener_id,omitempty"`
	ChannelID  uint64 `cbor:"channel_id,omitempty"`

	Host       string   `cbor:"host,omitempty"`
	Port       int      `cbor:"port,omitempty"`
	Name       string   `cbor:"name,omitempty"`
	RecordType string   `cbor:"record_type,omitempty"`
	Addresses  []string `cbor:"addresses,omitempty"`

	Message string `cbor:"message,omitempty"`
	Code    string `cbor:"code,omitempty"`
	Reason  string `cbor:"reason,omitempty"`

	BindAddr   string `cbor:"bind_addr,omitempty"`
	ActualPort int    `cbor:"actual_port,omitempty"`

	Data []byte `cbor:"data,omitempty"`

	// SessionID, Nonce, PublicKey and Signature carry the §6.6 auth
	// transcript: AuthChallenge carries the Nonce to sign, AuthResponse
	// carries SessionID, PublicKey and Signature. The Nonce is not echoed
	// in the AuthResponse; the verifier supplies it.
	SessionID []byte `cbor:"session_id,omitempty"`
	Nonce     []byte `cbor:"nonce,omitempty"`
	PublicKey []byte `cbor:"public_key,omitempty"`
	Signature []byte `cbor:"signature,omitempty"`
}

const maxFrameLen = 16 << 20 // 16 MiB, generous ceiling against a corrupt length prefix

// Encode marshals msg to CBOR and prefixes it with its 4-byte big-endian
// length.
func Encode(msg Message) ([]byte, error) {
	body, err := cbor.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

// WriteMessage encodes msg and writes the framed bytes to w.
func WriteMessage(w io.Writer, msg Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadMessage reads one length-prefixed CBOR frame from r and decodes it.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameLen {
		return Message{}, fmt.Errorf("wire: frame length %d exceeds maximum %d", n, maxFrameLen)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, err
	}
	var msg Message
	if err := cbor.Unmarshal(body, &msg); err != nil {
		return Message{}, fmt.Errorf("wire: decode: %w", err)
	}
	return msg, nil
}
