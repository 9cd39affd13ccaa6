package protocol

import (
	"encoding/binary"
	"errors"
	"time"
)

// ProbeMessage is the fixed binary payload carried on the data plane.
// Layout (little-endian):
//
//	0 ..7   ID        u64  session identifier
//	8 ..15  Seq       u64  strictly increasing per session
//	16..23  Timestamp u64  sender send time, milliseconds since Unix epoch
//
// Payloads larger than ProbeMessageSize are zero-padded; the trailing bytes
// only exist to reach the configured packet size.
const ProbeMessageSize = 24

// ProbeMessage is one latency probe. Both ends must use this exact encoding.
type ProbeMessage struct {
	ID        uint64
	Seq       uint64
	Timestamp uint64
}

// NowMillis returns the probe timestamp for the current wall clock.
func NowMillis() uint64 { return uint64(time.Now().UnixMilli()) }

// MarshalBinary encodes the probe into a fresh 24-byte buffer.
func (m *ProbeMessage) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ProbeMessageSize)
	binary.LittleEndian.PutUint64(buf[0:8], m.ID)
	binary.LittleEndian.PutUint64(buf[8:16], m.Seq)
	binary.LittleEndian.PutUint64(buf[16:24], m.Timestamp)
	return buf, nil
}

// UnmarshalBinary decodes a probe from the first 24 bytes of buf.
func (m *ProbeMessage) UnmarshalBinary(buf []byte) error {
	if len(buf) < ProbeMessageSize {
		return errors.New("short probe message")
	}
	m.ID = binary.LittleEndian.Uint64(buf[0:8])
	m.Seq = binary.LittleEndian.Uint64(buf[8:16])
	m.Timestamp = binary.LittleEndian.Uint64(buf[16:24])
	return nil
}

// Payload encodes the probe padded with zeros to size bytes.
// size must be at least ProbeMessageSize.
func (m *ProbeMessage) Payload(size int) ([]byte, error) {
	if size < ProbeMessageSize {
		return nil, errors.New("packet size below probe message size")
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint64(buf[0:8], m.ID)
	binary.LittleEndian.PutUint64(buf[8:16], m.Seq)
	binary.LittleEndian.PutUint64(buf[16:24], m.Timestamp)
	return buf, nil
}

// RTT computes the round-trip time of an echoed probe observed at nowMillis.
func (m *ProbeMessage) RTT(nowMillis uint64) time.Duration {
	if nowMillis < m.Timestamp {
		return 0
	}
	return time.Duration(nowMillis-m.Timestamp) * time.Millisecond
}
