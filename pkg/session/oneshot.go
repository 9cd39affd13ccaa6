package session

import "sync"

// CancelHandle is a single-use cancellation trigger. Handles are created by
// NewStop and handed to exactly one owner; firing twice is a no-op, so a
// consumed handle can never signal a second time.
type CancelHandle struct {
	once *sync.Once
	ch   chan struct{}
}

// NewStop returns a cancellation pair: the trigger and the channel that
// closes when the trigger fires.
func NewStop() (CancelHandle, <-chan struct{}) {
	ch := make(chan struct{})
	return CancelHandle{once: new(sync.Once), ch: ch}, ch
}

// Cancel fires the one-shot.
func (h CancelHandle) Cancel() {
	h.once.Do(func() { close(h.ch) })
}
