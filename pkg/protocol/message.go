// Package protocol defines the wire messages exchanged on the control
// channel and inside probe payloads.
package protocol

import (
	"errors"
	"fmt"

	"github.com/drblah/niceperf/pkg/protocol/codec"
)

// TestProtocol enumerates data-plane transports a session can request.
// The value travels as a 64-bit unsigned integer on the wire.
type TestProtocol uint64

const (
	ProtoUDP TestProtocol = 1
	// ProtoTCP is reserved for the stream-based data plane. It shares the
	// same Conn abstraction but has no implementation yet.
	ProtoTCP TestProtocol = 2
)

func (p TestProtocol) String() string {
	switch p {
	case ProtoUDP:
		return "udp"
	case ProtoTCP:
		return "tcp"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(p))
	}
}

// MsgType discriminates ControlMessage variants.
type MsgType uint8

const (
	MsgHandshake MsgType = iota + 1
	MsgHandshakeAck
	// Further kinds (parameter change, graceful close) are dispatched through
	// the session handler table; their wire shapes are not fixed yet.
)

func (t MsgType) String() string {
	switch t {
	case MsgHandshake:
		return "handshake"
	case MsgHandshakeAck:
		return "handshake_ack"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Handshake declares session identity and the requested data-plane transport.
type Handshake struct {
	ID       uint64       `cbor:"id"`
	Protocol TestProtocol `cbor:"proto"`
}

// HandshakeAck confirms a handshake and completes session setup.
type HandshakeAck struct {
	ID uint64 `cbor:"id"`
}

// ControlMessage is the tagged union carried in control-channel frames.
// Exactly one variant pointer matching Type must be set.
type ControlMessage struct {
	Type         MsgType       `cbor:"type"`
	Handshake    *Handshake    `cbor:"handshake,omitempty"`
	HandshakeAck *HandshakeAck `cbor:"handshake_ack,omitempty"`
}

// NewHandshake builds a handshake control message.
func NewHandshake(id uint64, p TestProtocol) *ControlMessage {
	return &ControlMessage{Type: MsgHandshake, Handshake: &Handshake{ID: id, Protocol: p}}
}

// NewHandshakeAck builds a handshake acknowledgement.
func NewHandshakeAck(id uint64) *ControlMessage {
	return &ControlMessage{Type: MsgHandshakeAck, HandshakeAck: &HandshakeAck{ID: id}}
}

// Validate checks that the set variant matches the type tag.
func (m *ControlMessage) Validate() error {
	switch m.Type {
	case MsgHandshake:
		if m.Handshake == nil {
			return errors.New("handshake message without handshake body")
		}
	case MsgHandshakeAck:
		if m.HandshakeAck == nil {
			return errors.New("handshake_ack message without ack body")
		}
	default:
		return fmt.Errorf("unknown control message type %d", m.Type)
	}
	return nil
}

// Encode serializes the message with the wire codec.
func (m *ControlMessage) Encode() ([]byte, error) {
	return m.EncodeWith(codec.Wire())
}

// EncodeWith serializes the message with the given codec. Both ends of a
// control channel must agree on the codec.
func (m *ControlMessage) EncodeWith(c codec.Codec) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return c.Marshal(m)
}

// DecodeControl parses and validates one control message with the wire codec.
func DecodeControl(b []byte) (*ControlMessage, error) {
	return DecodeControlWith(codec.Wire(), b)
}

// DecodeControlWith parses and validates one control message.
func DecodeControlWith(c codec.Codec, b []byte) (*ControlMessage, error) {
	var m ControlMessage
	if err := c.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode control message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
