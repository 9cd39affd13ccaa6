// Package client implements the measurement client: it dials the control
// server, answers the session handshake, and reflects probe traffic back to
// the initiator.
package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/drblah/niceperf/pkg/config"
	"github.com/drblah/niceperf/pkg/ctrl"
	"github.com/drblah/niceperf/pkg/probe"
	"github.com/drblah/niceperf/pkg/protocol"
	"github.com/drblah/niceperf/pkg/session"
)

// Client owns the client side of one measurement relationship. It keeps
// redialing the control server until ctx is cancelled.
type Client struct {
	cfg *config.Config
	log *zap.Logger
}

// New creates a client from configuration.
func New(cfg *config.Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.L()
	}
	return &Client{cfg: cfg, log: log}
}

// Run serves measurement sessions until ctx is cancelled. Each failed or
// ended control connection is followed by a jittered backoff before the next
// dial; a completed handshake resets the backoff.
func (c *Client) Run(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    c.cfg.Client.RedialInitial(),
		Max:    c.cfg.Client.RedialMax(),
		Jitter: true,
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		established, err := c.serveOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.log.Warn("control connection failed", zap.Error(err))
		} else {
			c.log.Info("control connection closed")
		}
		if established {
			b.Reset()
		}
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return nil
		}
	}
}

// serveOnce runs one control connection to completion. established reports
// whether the handshake finished, which is what resets the redial backoff.
func (c *Client) serveOnce(ctx context.Context) (established bool, err error) {
	conn, err := ctrl.Dial(ctx, c.cfg.Client.Server)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	// RecvMsg has no context; tearing the connection down unblocks it.
	unwatch := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer unwatch()

	ch, err := conn.AcceptChannel(ctx, c.cfg.ControlCodec())
	if err != nil {
		return false, err
	}

	m, err := ch.RecvMsg()
	if err != nil {
		return false, fmt.Errorf("recv handshake: %w", err)
	}
	if m.Type != protocol.MsgHandshake {
		return false, fmt.Errorf("expected handshake, got %s", m.Type)
	}
	if m.Handshake.Protocol != protocol.ProtoUDP {
		return false, fmt.Errorf("unsupported probe protocol %s", m.Handshake.Protocol)
	}
	id := m.Handshake.ID

	refl, err := probe.NewReflector(c.cfg.Probe.Listen)
	if err != nil {
		return false, err
	}
	local, remote := net.Pipe()
	cancel, runnerStop := session.NewStop()
	r := probe.NewRunner(refl, remote, runnerStop, c.log)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = r.Run(ctx)
	}()
	// Reflection is a straight echo of the pipe onto itself.
	go func() {
		defer wg.Done()
		_, _ = io.Copy(local, local)
	}()
	defer func() {
		cancel.Cancel()
		_ = local.Close()
		wg.Wait()
	}()

	if err := ch.SendMsg(protocol.NewHandshakeAck(id)); err != nil {
		return false, fmt.Errorf("send handshake ack: %w", err)
	}
	c.log.Info("session established",
		zap.Uint64("session", id),
		zap.String("reflector", refl.LocalAddr().String()))

	for {
		m, err := ch.RecvMsg()
		if err != nil {
			// Control closure is how the server ends a session.
			return true, nil
		}
		switch m.Type {
		case protocol.MsgHandshake:
			// Retransmitted handshake racing our ack; answer again.
			if err := ch.SendMsg(protocol.NewHandshakeAck(id)); err != nil {
				return true, fmt.Errorf("resend handshake ack: %w", err)
			}
		default:
			c.log.Debug("ignoring control message", zap.String("type", m.Type.String()))
		}
	}
}
