package ctrl

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/quic-go/quic-go"

	"github.com/drblah/niceperf/pkg/protocol/codec"
)

// ALPN is the application protocol negotiated on the control connection.
const ALPN = "niceperf"

// Listener accepts inbound control connections.
type Listener struct {
	ql *quic.Listener
}

// Listen binds the control listener. Bind failures are returned to the
// caller, never defaulted.
func Listen(addr string, tlsConf *tls.Config) (*Listener, error) {
	if tlsConf == nil {
		var err error
		tlsConf, err = ServerTLSConfig()
		if err != nil {
			return nil, err
		}
	}
	ql, err := quic.ListenAddr(addr, tlsConf, &quic.Config{})
	if err != nil {
		return nil, fmt.Errorf("listen control %s: %w", addr, err)
	}
	return &Listener{ql: ql}, nil
}

// Accept blocks until the next client connection or ctx cancellation.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	qc, err := l.ql.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return &Conn{qc: qc}, nil
}

// Addr returns the local listening address.
func (l *Listener) Addr() net.Addr { return l.ql.Addr() }

// Close stops the listener and unblocks Accept.
func (l *Listener) Close() error { return l.ql.Close() }

// Dial establishes an outbound control connection.
// Certificate verification is delegated to the deployment; identity beyond
// the transport is out of scope, so the client accepts the server's
// self-signed certificate and pins the ALPN instead.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	tlsConf := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPN},
		MinVersion:         tls.VersionTLS13,
	}
	qc, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{})
	if err != nil {
		return nil, fmt.Errorf("dial control %s: %w", addr, err)
	}
	return &Conn{qc: qc}, nil
}

// Conn is one established control connection. The server opens the single
// bidirectional control stream; the client accepts it.
type Conn struct {
	qc quic.Connection
}

// OpenChannel opens the control stream (server side). cd selects the control
// message codec; nil is the wire default.
func (c *Conn) OpenChannel(ctx context.Context, cd codec.Codec) (*Channel, error) {
	str, err := c.qc.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open control stream: %w", err)
	}
	return NewChannelWith(str, cd), nil
}

// AcceptChannel waits for the peer-opened control stream (client side). cd
// must match the codec the server opened the stream with.
func (c *Conn) AcceptChannel(ctx context.Context, cd codec.Codec) (*Channel, error) {
	str, err := c.qc.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept control stream: %w", err)
	}
	return NewChannelWith(str, cd), nil
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.qc.RemoteAddr() }

// Close tears down the connection and all its streams.
func (c *Conn) Close() error {
	return c.qc.CloseWithError(0, "")
}
