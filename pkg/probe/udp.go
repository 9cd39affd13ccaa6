package probe

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
)

// The two UDP roles are distinct types so that an unconfigured combination
// cannot be expressed: a Reflector has no fixed peer until traffic arrives,
// an Initiator has its peer fixed at construction.

// Reflector binds a local address and learns its peer from the first inbound
// datagram. Every later datagram must come from that peer.
type Reflector struct {
	conn *net.UDPConn

	mu   sync.Mutex
	peer netip.AddrPort
}

// NewReflector binds local. Bind failures are surfaced to the caller.
func NewReflector(local string) (*Reflector, error) {
	laddr, err := net.ResolveUDPAddr("udp", local)
	if err != nil {
		return nil, fmt.Errorf("resolve local address %q: %w", local, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("bind udp %q: %w", local, err)
	}
	return &Reflector{conn: conn}, nil
}

// Send transmits to the learned peer. Fails with ErrNoPeer before the first
// successful Recv.
func (r *Reflector) Send(ctx context.Context, b []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	peer := r.peer
	r.mu.Unlock()
	if !peer.IsValid() {
		return 0, ErrNoPeer
	}
	return r.conn.WriteToUDPAddrPort(b, peer)
}

// Recv reads one datagram. The first sender is pinned as the peer; datagrams
// from any other source fail with PeerMismatchError and are not delivered.
func (r *Reflector) Recv(ctx context.Context, b []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, addr, err := r.conn.ReadFromUDPAddrPort(b)
	if err != nil {
		return 0, err
	}
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.peer.IsValid() {
		r.peer = addr
	} else if r.peer != addr {
		return 0, &PeerMismatchError{Want: r.peer, Got: addr}
	}
	return n, nil
}

// Peer returns the learned peer address (zero value until pinned).
func (r *Reflector) Peer() netip.AddrPort {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peer
}

func (r *Reflector) LocalAddr() net.Addr { return r.conn.LocalAddr() }

func (r *Reflector) Close() error { return r.conn.Close() }

// Initiator sends every datagram to the remote fixed at construction and
// only accepts replies from it.
type Initiator struct {
	conn   *net.UDPConn
	remote netip.AddrPort
}

// NewInitiator binds an ephemeral local port and fixes remote as the peer.
// Resolve and bind failures are surfaced to the caller.
func NewInitiator(remote string) (*Initiator, error) {
	raddr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, fmt.Errorf("resolve remote address %q: %w", remote, err)
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("bind udp: %w", err)
	}
	ap := raddr.AddrPort()
	return &Initiator{
		conn:   conn,
		remote: netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()),
	}, nil
}

// Send transmits to the configured remote. There is no way to target any
// other address through this type.
func (i *Initiator) Send(ctx context.Context, b []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return i.conn.WriteToUDPAddrPort(b, i.remote)
}

// Recv reads one datagram and verifies it originates from the configured
// remote, failing with PeerMismatchError otherwise.
func (i *Initiator) Recv(ctx context.Context, b []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, addr, err := i.conn.ReadFromUDPAddrPort(b)
	if err != nil {
		return 0, err
	}
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	if addr != i.remote {
		return 0, &PeerMismatchError{Want: i.remote, Got: addr}
	}
	return n, nil
}

// Remote returns the fixed peer address.
func (i *Initiator) Remote() netip.AddrPort { return i.remote }

func (i *Initiator) LocalAddr() net.Addr { return i.conn.LocalAddr() }

func (i *Initiator) Close() error { return i.conn.Close() }
