package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

func TestReflectorPinsFirstPeer(t *testing.T) {
	ctx := context.Background()

	refl, err := NewReflector("127.0.0.1:0")
	if err != nil {
		t.Fatalf("new reflector: %v", err)
	}
	defer refl.Close()

	first, err := NewInitiator(refl.LocalAddr().String())
	if err != nil {
		t.Fatalf("new initiator: %v", err)
	}
	defer first.Close()
	second, err := NewInitiator(refl.LocalAddr().String())
	if err != nil {
		t.Fatalf("new second initiator: %v", err)
	}
	defer second.Close()

	if _, err := first.Send(ctx, []byte("one")); err != nil {
		t.Fatalf("send: %v", err)
	}
	buf := make([]byte, 64)
	n, err := refl.Recv(ctx, buf)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(buf[:n]) != "one" {
		t.Fatalf("unexpected payload %q", buf[:n])
	}
	if !refl.Peer().IsValid() {
		t.Fatalf("peer not pinned after first datagram")
	}

	// A datagram from a different source port must be rejected, not delivered.
	if _, err := second.Send(ctx, []byte("two")); err != nil {
		t.Fatalf("send from second: %v", err)
	}
	_, err = refl.Recv(ctx, buf)
	var mismatch *PeerMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected PeerMismatchError, got %v", err)
	}

	// The pinned peer keeps working after the rejection.
	if _, err := first.Send(ctx, []byte("three")); err != nil {
		t.Fatalf("send: %v", err)
	}
	n, err = refl.Recv(ctx, buf)
	if err != nil {
		t.Fatalf("recv after mismatch: %v", err)
	}
	if string(buf[:n]) != "three" {
		t.Fatalf("unexpected payload %q", buf[:n])
	}
}

func TestReflectorSendBeforePeer(t *testing.T) {
	refl, err := NewReflector("127.0.0.1:0")
	if err != nil {
		t.Fatalf("new reflector: %v", err)
	}
	defer refl.Close()

	if _, err := refl.Send(context.Background(), []byte("x")); !errors.Is(err, ErrNoPeer) {
		t.Fatalf("expected ErrNoPeer, got %v", err)
	}
}

func TestInitiatorRejectsForeignSource(t *testing.T) {
	ctx := context.Background()

	refl, err := NewReflector("127.0.0.1:0")
	if err != nil {
		t.Fatalf("new reflector: %v", err)
	}
	defer refl.Close()

	init, err := NewInitiator(refl.LocalAddr().String())
	if err != nil {
		t.Fatalf("new initiator: %v", err)
	}
	defer init.Close()

	// Learn the initiator's address at the reflector.
	if _, err := init.Send(ctx, []byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}
	buf := make([]byte, 64)
	if _, err := refl.Recv(ctx, buf); err != nil {
		t.Fatalf("recv: %v", err)
	}

	// An unrelated socket writing at the initiator must be rejected.
	initPort := init.LocalAddr().(*net.UDPAddr).Port
	intruder, err := NewInitiator(fmt.Sprintf("127.0.0.1:%d", initPort))
	if err != nil {
		t.Fatalf("new intruder: %v", err)
	}
	defer intruder.Close()
	if _, err := intruder.Send(ctx, []byte("evil")); err != nil {
		t.Fatalf("intruder send: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := init.Recv(ctx, make([]byte, 64))
		done <- err
	}()
	select {
	case err := <-done:
		var mismatch *PeerMismatchError
		if !errors.As(err, &mismatch) {
			t.Fatalf("expected PeerMismatchError, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("initiator recv did not observe intruder datagram")
	}

	// And a genuine echo from the reflector is accepted.
	if _, err := refl.Send(ctx, []byte("pong")); err != nil {
		t.Fatalf("reflector send: %v", err)
	}
	n, err := init.Recv(ctx, buf)
	if err != nil {
		t.Fatalf("initiator recv: %v", err)
	}
	if string(buf[:n]) != "pong" {
		t.Fatalf("unexpected payload %q", buf[:n])
	}
}

func TestInitiatorFixedRemote(t *testing.T) {
	init, err := NewInitiator("127.0.0.1:9")
	if err != nil {
		t.Fatalf("new initiator: %v", err)
	}
	defer init.Close()
	want := init.Remote()
	for i := 0; i < 5; i++ {
		if _, err := init.Send(context.Background(), []byte("x")); err != nil {
			t.Fatalf("send: %v", err)
		}
		if init.Remote() != want {
			t.Fatalf("remote changed between sends")
		}
	}
}

func TestConnectivityErrorsSurface(t *testing.T) {
	if _, err := NewReflector("256.0.0.1:bad"); err == nil {
		t.Fatalf("expected resolve error")
	}
	refl, err := NewReflector("127.0.0.1:0")
	if err != nil {
		t.Fatalf("new reflector: %v", err)
	}
	defer refl.Close()
	if _, err := NewReflector(refl.LocalAddr().String()); err == nil {
		t.Fatalf("expected bind conflict error")
	}
	if _, err := NewInitiator("not-an-address"); err == nil {
		t.Fatalf("expected resolve error")
	}
}
