package server

import (
	"sync"

	"github.com/drblah/niceperf/pkg/session"
)

// SessionInfo is a point-in-time view of one supervised session.
type SessionInfo struct {
	ID    uint64
	State session.State
	Flows int
}

// entry is the supervision handle retained per spawned session.
type entry struct {
	id   uint64
	stop session.CancelHandle
	done chan struct{}
	sess *session.Session
}

// registry tracks live sessions for shutdown broadcast and introspection.
type registry struct {
	mu      sync.Mutex
	entries map[uint64]*entry
}

func newRegistry() *registry {
	return &registry{entries: make(map[uint64]*entry)}
}

func (r *registry) add(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.id] = e
}

func (r *registry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// stopAll fires every session's stop handle. Each handle is one-shot, so a
// session that already ended on its own is unaffected.
func (r *registry) stopAll() {
	r.mu.Lock()
	handles := make([]session.CancelHandle, 0, len(r.entries))
	for _, e := range r.entries {
		handles = append(handles, e.stop)
	}
	r.mu.Unlock()
	for _, h := range handles {
		h.Cancel()
	}
}

// snapshot returns the current sessions for logging and tests.
func (r *registry) snapshot() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionInfo, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, SessionInfo{ID: e.id, State: e.sess.State(), Flows: e.sess.ActiveConns()})
	}
	return out
}
