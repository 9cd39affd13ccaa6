package protocol

import (
	"testing"
)

func TestHandshakeRoundtrip(t *testing.T) {
	in := NewHandshake(42, ProtoUDP)
	b, err := in.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeControl(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Type != MsgHandshake || out.Handshake == nil {
		t.Fatalf("wrong variant: %#v", out)
	}
	if out.Handshake.ID != 42 || out.Handshake.Protocol != ProtoUDP {
		t.Fatalf("handshake fields mismatch: %#v", out.Handshake)
	}
}

func TestHandshakeAckRoundtrip(t *testing.T) {
	b, err := NewHandshakeAck(7).Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeControl(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Type != MsgHandshakeAck || out.HandshakeAck == nil || out.HandshakeAck.ID != 7 {
		t.Fatalf("ack mismatch: %#v", out)
	}
}

func TestValidateRejectsMismatchedVariant(t *testing.T) {
	m := &ControlMessage{Type: MsgHandshake}
	if err := m.Validate(); err == nil {
		t.Fatalf("expected error for missing handshake body")
	}
	m = &ControlMessage{Type: MsgType(99)}
	if err := m.Validate(); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}

func TestDecodeControlRejectsGarbage(t *testing.T) {
	if _, err := DecodeControl([]byte{0xff, 0x00, 0x13, 0x37}); err == nil {
		t.Fatalf("expected decode error")
	}
}
