// Package server implements the control-plane server: it admits measurement
// clients, spawns one session per client, and coordinates shutdown.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/drblah/niceperf/pkg/config"
	"github.com/drblah/niceperf/pkg/ctrl"
	"github.com/drblah/niceperf/pkg/probe"
	"github.com/drblah/niceperf/pkg/session"
)

// Server owns the control listener and supervises one session per client.
type Server struct {
	cfg *config.Config
	ln  *ctrl.Listener
	log *zap.Logger
	reg *registry

	wg     sync.WaitGroup
	nextID atomic.Uint64
}

// New binds the control listener. Bind failures are returned, never hidden.
func New(cfg *config.Config, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.L()
	}
	ln, err := ctrl.Listen(cfg.Server.Listen, nil)
	if err != nil {
		return nil, err
	}
	return &Server{cfg: cfg, ln: ln, log: log, reg: newRegistry()}, nil
}

// Addr returns the bound control address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Sessions reports the number of live sessions.
func (s *Server) Sessions() int { return s.reg.len() }

// Snapshot lists the live sessions.
func (s *Server) Snapshot() []SessionInfo { return s.reg.snapshot() }

// Run accepts clients until ctx is cancelled (the shutdown trigger), then
// broadcasts stop to every session and drains them within the configured
// window.
func (s *Server) Run(ctx context.Context) error {
	defer s.ln.Close()
	s.log.Info("control server listening", zap.String("addr", s.ln.Addr().String()))

	for {
		conn, err := s.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.log.Info("client connected", zap.String("raddr", conn.RemoteAddr().String()))
		s.handle(ctx, conn)
	}

	s.shutdown()
	return nil
}

// handle opens the per-client control channel and spawns its session.
func (s *Server) handle(ctx context.Context, conn *ctrl.Conn) {
	ch, err := conn.OpenChannel(ctx, s.cfg.ControlCodec())
	if err != nil {
		s.log.Warn("open control channel", zap.Error(err))
		_ = conn.Close()
		return
	}

	id := s.nextID.Add(1)
	conns, err := s.buildFlows(ctx)
	if err != nil {
		s.log.Error("probe flow setup", zap.Uint64("session", id), zap.Error(err))
		_ = ch.Close()
		_ = conn.Close()
		return
	}

	stopHandle, stopCh := session.NewStop()
	sess := session.New(session.Config{
		ID:                id,
		Protocol:          s.cfg.TestProtocol(),
		HandshakeTimeout:  s.cfg.Session.HandshakeTimeout(),
		HandshakeInterval: s.cfg.Session.HandshakeInterval(),
		IdleTimeout:       s.cfg.Session.IdleTimeout(),
		ResetOnActivity:   s.cfg.Session.ResetOnActivity,
		ProbeInterval:     s.cfg.Session.ProbeInterval(),
		PacketSize:        s.cfg.Session.PacketSize,
	}, ch, stopCh, conns, s.log)

	e := &entry{id: id, stop: stopHandle, done: make(chan struct{}), sess: sess}
	s.reg.add(e)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(e.done)
		defer s.reg.remove(id)
		defer conn.Close()
		if err := sess.Run(ctx); err != nil {
			s.log.Warn("session ended", zap.Uint64("session", id), zap.Error(err))
			return
		}
		s.log.Info("session ended", zap.Uint64("session", id))
	}()
}

// buildFlows creates the configured number of probe flows, each a transport
// paired with a runner and handed to the session as a ConnContext.
func (s *Server) buildFlows(ctx context.Context) ([]*session.ConnContext, error) {
	conns := make([]*session.ConnContext, 0, s.cfg.Session.Flows)
	for i := 0; i < s.cfg.Session.Flows; i++ {
		init, err := probe.NewInitiator(s.cfg.Probe.Target)
		if err != nil {
			for _, c := range conns {
				c.Close()
			}
			return nil, err
		}
		local, remote := net.Pipe()
		cancel, runnerStop := session.NewStop()
		r := probe.NewRunner(init, remote, runnerStop, s.log)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_ = r.Run(ctx)
		}()
		conns = append(conns, session.NewConnContext(local, cancel))
	}
	return conns, nil
}

// shutdown broadcasts stop and waits for sessions and runners up to the
// drain window. A zero window keeps shutdown best-effort.
func (s *Server) shutdown() {
	s.log.Info("shutting down", zap.Int("sessions", s.reg.len()))
	s.reg.stopAll()

	d := s.cfg.Server.DrainTimeout()
	if d <= 0 {
		return
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("all sessions drained")
	case <-time.After(d):
		s.log.Warn("drain window elapsed with sessions still live")
	}
}
