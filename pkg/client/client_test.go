package client

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/drblah/niceperf/pkg/config"
	"github.com/drblah/niceperf/pkg/ctrl"
	"github.com/drblah/niceperf/pkg/protocol"
	"github.com/drblah/niceperf/pkg/server"
	"github.com/drblah/niceperf/pkg/session"
)

// freeUDPAddr reserves an ephemeral port and releases it so the server's
// initiator and the client's reflector can agree on it.
func freeUDPAddr(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve udp port: %v", err)
	}
	addr := pc.LocalAddr().String()
	_ = pc.Close()
	return addr
}

func TestClientEchoesKeepSessionAlive(t *testing.T) {
	probeAddr := freeUDPAddr(t)

	srvCfg := config.Default()
	srvCfg.Server.Listen = "127.0.0.1:0"
	srvCfg.Server.DrainTimeoutMS = 2000
	srvCfg.Session.HandshakeIntervalMS = 50
	srvCfg.Session.ProbeIntervalMS = 50
	// Keep-alive window shorter than the test; only live echoes can hold
	// the session open past it.
	srvCfg.Session.IdleTimeoutMS = 400
	srvCfg.Session.ResetOnActivity = true
	srvCfg.Probe.Target = probeAddr

	srv, err := server.New(srvCfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srvCtx, srvCancel := context.WithCancel(context.Background())
	srvDone := make(chan error, 1)
	go func() { srvDone <- srv.Run(srvCtx) }()

	cliCfg := config.Default()
	cliCfg.Client.Server = srv.Addr().String()
	cliCfg.Client.RedialInitialMS = 50
	cliCfg.Probe.Listen = probeAddr

	cli := New(cliCfg, zap.NewNop())
	cliCtx, cliCancel := context.WithCancel(context.Background())
	cliDone := make(chan error, 1)
	go func() { cliDone <- cli.Run(cliCtx) }()

	waitSteady := func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			for _, info := range srv.Snapshot() {
				if info.State == session.Steady {
					return
				}
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatalf("session never reached steady state")
	}
	waitSteady()

	// Three idle windows with echoes flowing; the session must survive.
	time.Sleep(3 * srvCfg.Session.IdleTimeout())
	if srv.Sessions() != 1 {
		t.Fatalf("session did not survive keep-alive window, have %d", srv.Sessions())
	}

	srvCancel()
	select {
	case err := <-srvDone:
		if err != nil {
			t.Fatalf("server run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not drain")
	}

	cliCancel()
	select {
	case err := <-cliDone:
		if err != nil {
			t.Fatalf("client run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("client did not stop")
	}
}

func TestClientRejectsUnsupportedProtocol(t *testing.T) {
	ln, err := ctrl.Listen("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		ch, err := conn.OpenChannel(ctx, nil)
		if err != nil {
			return
		}
		_ = ch.SendMsg(protocol.NewHandshake(7, protocol.ProtoTCP))
	}()

	cfg := config.Default()
	cfg.Client.Server = ln.Addr().String()
	cfg.Probe.Listen = "127.0.0.1:0"

	cli := New(cfg, zap.NewNop())
	established, err := cli.serveOnce(ctx)
	if established {
		t.Fatalf("handshake must not complete for an unsupported protocol")
	}
	if err == nil || !strings.Contains(err.Error(), "unsupported probe protocol") {
		t.Fatalf("expected unsupported protocol error, got %v", err)
	}
}

func TestClientRedialsUntilServerAppears(t *testing.T) {
	probeAddr := freeUDPAddr(t)
	ctrlAddr := "127.0.0.1:34719"

	cliCfg := config.Default()
	cliCfg.Client.Server = ctrlAddr
	cliCfg.Client.RedialInitialMS = 50
	cliCfg.Client.RedialMaxMS = 200
	cliCfg.Probe.Listen = probeAddr

	cli := New(cliCfg, zap.NewNop())
	cliCtx, cliCancel := context.WithCancel(context.Background())
	defer cliCancel()
	cliDone := make(chan error, 1)
	go func() { cliDone <- cli.Run(cliCtx) }()

	// Let the client burn a few failed dials before the server exists.
	time.Sleep(300 * time.Millisecond)

	srvCfg := config.Default()
	srvCfg.Server.Listen = ctrlAddr
	srvCfg.Session.HandshakeIntervalMS = 50
	srvCfg.Session.ProbeIntervalMS = 50
	srvCfg.Probe.Target = probeAddr

	srv, err := server.New(srvCfg, zap.NewNop())
	if err != nil {
		t.Skipf("control port unavailable: %v", err)
	}
	srvCtx, srvCancel := context.WithCancel(context.Background())
	defer srvCancel()
	go func() { _ = srv.Run(srvCtx) }()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if srv.Sessions() == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("client never established a session after redialing")
}
