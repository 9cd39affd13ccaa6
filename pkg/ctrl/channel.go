// Package ctrl implements the control channel: framed message exchange over
// a secure multiplexed transport (QUIC).
package ctrl

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/drblah/niceperf/pkg/protocol"
	"github.com/drblah/niceperf/pkg/protocol/codec"
)

// MaxFrameSize bounds a single control frame. The underlying stream gives
// byte-stream semantics only, so every message is length-prefixed.
const MaxFrameSize = 1 << 20

// Channel frames control messages over a reliable byte stream with a
// u32 little-endian length prefix. Sends may be concurrent; receives are
// expected from a single goroutine.
type Channel struct {
	mu  sync.Mutex
	rwc io.ReadWriteCloser
	br  *bufio.Reader
	bw  *bufio.Writer
	cd  codec.Codec
}

// NewChannel wraps an established bidirectional stream using the wire
// default codec.
func NewChannel(rwc io.ReadWriteCloser) *Channel {
	return NewChannelWith(rwc, nil)
}

// NewChannelWith wraps a stream using the given codec for control messages.
// Both ends must be configured with the same codec; nil selects the wire
// default.
func NewChannelWith(rwc io.ReadWriteCloser, cd codec.Codec) *Channel {
	if cd == nil {
		cd = codec.Wire()
	}
	return &Channel{
		rwc: rwc,
		br:  bufio.NewReader(rwc),
		bw:  bufio.NewWriter(rwc),
		cd:  cd,
	}
}

// SendFrame writes one length-prefixed frame and flushes it.
func (c *Channel) SendFrame(b []byte) error {
	if len(b) > MaxFrameSize {
		return fmt.Errorf("frame size %d exceeds limit %d", len(b), MaxFrameSize)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(b)))
	if _, err := c.bw.Write(lenbuf[:]); err != nil {
		return err
	}
	if _, err := c.bw.Write(b); err != nil {
		return err
	}
	return c.bw.Flush()
}

// RecvFrame reads the next frame. One SendFrame on the peer maps to exactly
// one RecvFrame here regardless of how the stream fragments writes.
func (c *Channel) RecvFrame() ([]byte, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(c.br, lenbuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenbuf[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("frame size %d exceeds limit %d", n, MaxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// SendMsg encodes and sends one control message.
func (c *Channel) SendMsg(m *protocol.ControlMessage) error {
	b, err := m.EncodeWith(c.cd)
	if err != nil {
		return err
	}
	return c.SendFrame(b)
}

// RecvMsg receives and decodes one control message.
func (c *Channel) RecvMsg() (*protocol.ControlMessage, error) {
	b, err := c.RecvFrame()
	if err != nil {
		return nil, err
	}
	return protocol.DecodeControlWith(c.cd, b)
}

// Close closes the underlying stream.
func (c *Channel) Close() error { return c.rwc.Close() }
