package session

import (
	"net"
	"sync/atomic"
)

// ConnState tracks whether a probe flow has seen traffic yet.
type ConnState int32

const (
	// Disconnected means the paired transport has not exchanged traffic.
	Disconnected ConnState = iota
	// Connected means the flow is live (first echo observed).
	Connected
)

func (s ConnState) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// ConnContext pairs the session-facing end of a probe byte pipe with the
// one-shot cancellation controlling the paired runner. At most one runner
// exists per context, and its cancellation is consumed exactly once.
type ConnContext struct {
	pipe   net.Conn
	cancel CancelHandle
	state  atomic.Int32
}

// NewConnContext binds a pipe end to its runner's cancellation handle.
func NewConnContext(pipe net.Conn, cancel CancelHandle) *ConnContext {
	return &ConnContext{pipe: pipe, cancel: cancel}
}

// State reports the flow state.
func (c *ConnContext) State() ConnState { return ConnState(c.state.Load()) }

func (c *ConnContext) markConnected() { c.state.Store(int32(Connected)) }

// Close fires the runner cancellation and closes the session pipe end.
// The session does not wait for the runner to observe it.
func (c *ConnContext) Close() {
	c.cancel.Cancel()
	_ = c.pipe.Close()
}
