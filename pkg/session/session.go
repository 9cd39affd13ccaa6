// Package session implements the per-client actor driving one measurement
// lifecycle: handshake, steady-state probing, termination.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/drblah/niceperf/pkg/ctrl"
	"github.com/drblah/niceperf/pkg/protocol"
)

// State is the session lifecycle phase. Transitions are linear:
// Handshaking -> Steady -> Terminating.
type State int32

const (
	Handshaking State = iota
	Steady
	Terminating
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Steady:
		return "steady"
	default:
		return "terminating"
	}
}

// ErrHandshakeTimeout is returned when the peer never acknowledges the
// handshake within the configured window. The session terminates without
// reaching steady state.
var ErrHandshakeTimeout = errors.New("handshake timeout")

// errStopped signals a stop request observed before steady state.
var errStopped = errors.New("session stopped")

// Config carries the per-session measurement parameters.
type Config struct {
	ID       uint64
	Protocol protocol.TestProtocol

	HandshakeTimeout  time.Duration
	HandshakeInterval time.Duration

	// IdleTimeout bounds the session lifetime measured from steady-state
	// entry. With ResetOnActivity set it becomes a keep-alive window reset
	// by inbound control messages and probe echoes.
	IdleTimeout     time.Duration
	ResetOnActivity bool

	ProbeInterval time.Duration
	PacketSize    int
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.HandshakeInterval <= 0 {
		c.HandshakeInterval = 200 * time.Millisecond
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = time.Minute
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = time.Second
	}
	if c.PacketSize < protocol.ProbeMessageSize {
		c.PacketSize = protocol.ProbeMessageSize
	}
}

// echoEvent is one probe echo observed on a connection pipe.
type echoEvent struct {
	conn *ConnContext
	seq  uint64
	rtt  time.Duration
}

// handlerFunc processes one inbound control message during the session loop.
type handlerFunc func(s *Session, m *protocol.ControlMessage)

// Session owns one control channel for its whole lifetime plus the
// session-facing ends of its probe flows. It shares no mutable state with
// other sessions; all coordination happens over channels.
type Session struct {
	cfg   Config
	ch    *ctrl.Channel
	conns []*ConnContext
	stop  <-chan struct{}
	log   *zap.Logger

	state    atomic.Int32
	flows    atomic.Int32
	seq      uint64
	msgCh    chan *protocol.ControlMessage
	recvErr  chan error
	echoCh   chan echoEvent
	hsDone   chan struct{}
	handlers map[protocol.MsgType]handlerFunc
}

// New creates a session bound to its control channel. conns are the probe
// flows the session fans out to; stop is the one-shot stop receiver held by
// the server.
func New(cfg Config, ch *ctrl.Channel, stop <-chan struct{}, conns []*ConnContext, log *zap.Logger) *Session {
	cfg.applyDefaults()
	if log == nil {
		log = zap.L()
	}
	s := &Session{
		cfg:     cfg,
		ch:      ch,
		conns:   conns,
		stop:    stop,
		log:     log.With(zap.Uint64("session", cfg.ID)),
		msgCh:   make(chan *protocol.ControlMessage),
		recvErr: make(chan error, 1),
		echoCh:  make(chan echoEvent),
		hsDone:  make(chan struct{}),
	}
	s.flows.Store(int32(len(conns)))
	s.handlers = map[protocol.MsgType]handlerFunc{
		protocol.MsgHandshakeAck: (*Session).onHandshakeAck,
		// Extension point: acknowledgement, parameter change, and graceful
		// close land here as new message kinds are specified.
	}
	return s
}

// State reports the current lifecycle phase.
func (s *Session) State() State { return State(s.state.Load()) }

// ActiveConns reports the number of probe flows still serviced. It is safe
// to call from outside the session goroutine.
func (s *Session) ActiveConns() int { return int(s.flows.Load()) }

// Run drives the session to completion. It always terminates the probe flows
// and closes the control channel on the way out. The helper goroutines hang
// off a session-scoped context so they cannot outlive this call.
func (s *Session) Run(ctx context.Context) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.terminate()

	go s.recvLoop(sctx)

	if err := s.handshake(sctx); err != nil {
		if errors.Is(err, errStopped) {
			return nil
		}
		return err
	}
	s.state.Store(int32(Steady))
	s.log.Info("handshake complete", zap.Int("flows", len(s.conns)))
	return s.steady(sctx)
}

// recvLoop is the single reader of the control channel for the session's
// lifetime. Channel closure ends the session.
func (s *Session) recvLoop(ctx context.Context) {
	for {
		m, err := s.ch.RecvMsg()
		if err != nil {
			select {
			case s.recvErr <- err:
			default:
			}
			return
		}
		select {
		case s.msgCh <- m:
		case <-ctx.Done():
			return
		}
	}
}

// handshake retransmits until the peer acknowledges or the overall timeout
// elapses. The retry interval is fixed; these are the only retries in the
// whole data path.
func (s *Session) handshake(ctx context.Context) error {
	hello := protocol.NewHandshake(s.cfg.ID, s.cfg.Protocol)
	if err := s.ch.SendMsg(hello); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}
	retry := time.NewTicker(s.cfg.HandshakeInterval)
	defer retry.Stop()
	deadline := time.NewTimer(s.cfg.HandshakeTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-s.hsDone:
			return nil
		case <-retry.C:
			if err := s.ch.SendMsg(hello); err != nil {
				return fmt.Errorf("send handshake: %w", err)
			}
		case m := <-s.msgCh:
			s.dispatch(m)
		case err := <-s.recvErr:
			return fmt.Errorf("control channel closed: %w", err)
		case <-deadline.C:
			return ErrHandshakeTimeout
		case <-s.stop:
			return errStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// steady races the probe timer, inbound control messages, probe echoes, the
// idle timeout, and the stop signal. First ready wins, is serviced, loop.
func (s *Session) steady(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()
	idle := time.NewTimer(s.cfg.IdleTimeout)
	defer idle.Stop()

	for _, c := range s.conns {
		go s.drainEchoes(ctx, c)
	}

	for {
		select {
		case <-ticker.C:
			s.fanout()
		case m := <-s.msgCh:
			s.dispatch(m)
			s.touch(idle)
		case ev := <-s.echoCh:
			ev.conn.markConnected()
			s.log.Debug("probe echo", zap.Uint64("seq", ev.seq), zap.Duration("rtt", ev.rtt))
			s.touch(idle)
		case err := <-s.recvErr:
			s.log.Info("control channel closed", zap.Error(err))
			return nil
		case <-idle.C:
			s.log.Info("idle timeout reached")
			return nil
		case <-s.stop:
			s.log.Info("stop requested")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// touch restarts the idle timer when keep-alive semantics are configured.
func (s *Session) touch(idle *time.Timer) {
	if !s.cfg.ResetOnActivity {
		return
	}
	if !idle.Stop() {
		select {
		case <-idle.C:
		default:
		}
	}
	idle.Reset(s.cfg.IdleTimeout)
}

// fanout writes one identical probe payload to every active flow. A pipe
// that cannot take the payload within one probe interval is dropped; the
// remaining flows keep running.
func (s *Session) fanout() {
	s.seq++
	msg := protocol.ProbeMessage{ID: s.cfg.ID, Seq: s.seq, Timestamp: protocol.NowMillis()}
	payload, err := msg.Payload(s.cfg.PacketSize)
	if err != nil {
		s.log.Error("compose probe", zap.Error(err))
		return
	}
	kept := s.conns[:0]
	for _, c := range s.conns {
		_ = c.pipe.SetWriteDeadline(time.Now().Add(s.cfg.ProbeInterval))
		if _, err := c.pipe.Write(payload); err != nil {
			s.log.Warn("dropping probe flow", zap.Error(err))
			c.Close()
			continue
		}
		kept = append(kept, c)
	}
	s.conns = kept
	s.flows.Store(int32(len(kept)))
}

// drainEchoes reads echoed probes off one flow pipe and reports them to the
// main loop. Exits when the pipe closes or the session ends.
func (s *Session) drainEchoes(ctx context.Context, c *ConnContext) {
	buf := make([]byte, s.cfg.PacketSize)
	for {
		n, err := c.pipe.Read(buf)
		if err != nil {
			return
		}
		var m protocol.ProbeMessage
		if err := m.UnmarshalBinary(buf[:n]); err != nil {
			s.log.Debug("short echo", zap.Int("bytes", n))
			continue
		}
		ev := echoEvent{conn: c, seq: m.Seq, rtt: m.RTT(protocol.NowMillis())}
		select {
		case s.echoCh <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// dispatch routes one control message through the handler table.
func (s *Session) dispatch(m *protocol.ControlMessage) {
	h, ok := s.handlers[m.Type]
	if !ok {
		s.log.Warn("unhandled control message", zap.String("type", m.Type.String()))
		return
	}
	h(s, m)
}

func (s *Session) onHandshakeAck(m *protocol.ControlMessage) {
	if m.HandshakeAck.ID != s.cfg.ID {
		s.log.Warn("handshake ack for wrong session", zap.Uint64("id", m.HandshakeAck.ID))
		return
	}
	select {
	case <-s.hsDone:
	default:
		close(s.hsDone)
	}
}

// terminate fires every remaining flow cancellation exactly once and closes
// the control channel. It does not wait for runners to finish.
func (s *Session) terminate() {
	s.state.Store(int32(Terminating))
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
	s.flows.Store(0)
	_ = s.ch.Close()
}
