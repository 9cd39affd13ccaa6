// Package probe contains the data-plane transports and the runner that pumps
// probe traffic between a session byte pipe and a transport.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// Conn is the send/receive capability over an established peer. Datagram and
// (planned) stream transports implement it; the Runner is generic over it.
// Send and Recv may block on I/O readiness; Close unblocks both.
type Conn interface {
	Send(ctx context.Context, b []byte) (int, error)
	Recv(ctx context.Context, b []byte) (int, error)
	LocalAddr() net.Addr
	Close() error
}

// ErrNoPeer is returned when a reflector sends before its peer is learned.
var ErrNoPeer = errors.New("no peer learned yet")

// PeerMismatchError reports a datagram from an address other than the pinned
// peer. The runner drops such datagrams and keeps the flow alive.
type PeerMismatchError struct {
	Want netip.AddrPort
	Got  netip.AddrPort
}

func (e *PeerMismatchError) Error() string {
	return fmt.Sprintf("datagram from unexpected peer %s (want %s)", e.Got, e.Want)
}
