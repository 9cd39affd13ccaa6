package server

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/drblah/niceperf/pkg/config"
	"github.com/drblah/niceperf/pkg/ctrl"
	"github.com/drblah/niceperf/pkg/probe"
	"github.com/drblah/niceperf/pkg/protocol"
	"github.com/drblah/niceperf/pkg/session"
)

func testConfig(t *testing.T, target string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.DrainTimeoutMS = 2000
	cfg.Session.HandshakeTimeoutMS = 3000
	cfg.Session.HandshakeIntervalMS = 50
	cfg.Session.ProbeIntervalMS = 50
	cfg.Session.IdleTimeoutMS = 30000
	cfg.Probe.Target = target
	return cfg
}

// ackingClient dials the control address and acknowledges every handshake.
// It returns the session id assigned by the server.
func ackingClient(t *testing.T, ctx context.Context, addr string) (uint64, *ctrl.Conn) {
	t.Helper()
	conn, err := ctrl.Dial(ctx, addr)
	if err != nil {
		t.Fatalf("dial control: %v", err)
	}
	ch, err := conn.AcceptChannel(ctx, nil)
	if err != nil {
		t.Fatalf("accept channel: %v", err)
	}
	m, err := ch.RecvMsg()
	if err != nil {
		t.Fatalf("recv handshake: %v", err)
	}
	if m.Type != protocol.MsgHandshake {
		t.Fatalf("expected handshake, got %v", m.Type)
	}
	if m.Handshake.Protocol != protocol.ProtoUDP {
		t.Fatalf("expected udp protocol, got %v", m.Handshake.Protocol)
	}
	id := m.Handshake.ID
	if err := ch.SendMsg(protocol.NewHandshakeAck(id)); err != nil {
		t.Fatalf("send ack: %v", err)
	}
	go func() {
		for {
			if _, err := ch.RecvMsg(); err != nil {
				return
			}
		}
	}()
	return id, conn
}

func waitSessions(t *testing.T, s *Server, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.Sessions() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d sessions, have %d", want, s.Sessions())
}

func TestServerSpawnsOneSessionPerClient(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1:9")
	srv, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- srv.Run(ctx) }()

	const n = 3
	ids := make(map[uint64]bool)
	for i := 0; i < n; i++ {
		id, conn := ackingClient(t, ctx, srv.Addr().String())
		defer conn.Close()
		if ids[id] {
			t.Fatalf("duplicate session id %d", id)
		}
		ids[id] = true
	}

	waitSessions(t, srv, n)
	deadline := time.Now().Add(5 * time.Second)
	for {
		steady := 0
		for _, info := range srv.Snapshot() {
			if info.State == session.Steady {
				steady++
			}
		}
		if steady == n {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d/%d sessions reached steady state", steady, n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not shut down")
	}
	if got := srv.Sessions(); got != 0 {
		t.Fatalf("%d sessions survived drain", got)
	}
}

func TestServerProbesReachTarget(t *testing.T) {
	refl, err := probe.NewReflector("127.0.0.1:0")
	if err != nil {
		t.Fatalf("new reflector: %v", err)
	}
	defer refl.Close()

	cfg := testConfig(t, refl.LocalAddr().String())
	srv, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- srv.Run(ctx) }()

	_, conn := ackingClient(t, ctx, srv.Addr().String())
	defer conn.Close()

	// The session fans out timer-paced probes through its runner; the target
	// must observe a strictly increasing sequence.
	buf := make([]byte, 64*1024)
	var last uint64
	for i := 0; i < 3; i++ {
		n, err := refl.Recv(ctx, buf)
		if err != nil {
			t.Fatalf("reflector recv: %v", err)
		}
		var m protocol.ProbeMessage
		if err := m.UnmarshalBinary(buf[:n]); err != nil {
			t.Fatalf("unmarshal probe: %v", err)
		}
		if m.Seq <= last {
			t.Fatalf("sequence not strictly increasing: %d after %d", m.Seq, last)
		}
		last = m.Seq
	}

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not shut down")
	}
}

func TestServerListenFailureSurfaces(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1:9")
	srv, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer srv.ln.Close()

	cfg2 := testConfig(t, "127.0.0.1:9")
	cfg2.Server.Listen = srv.Addr().String()
	if _, err := New(cfg2, zap.NewNop()); err == nil {
		t.Fatalf("expected bind conflict error")
	}
}
