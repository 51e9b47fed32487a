package reconcile

import (
	"sync"

	"github.com/dyluth/parley/pkg/forum"
)

// Reconciler holds the ordered message list of one channel.
// All mutation goes through Merge, so concurrent Apply calls from the push
// path and the local send path cannot lose each other's updates.
// Once closed it ignores every further Seed and Apply.
type Reconciler struct {
	mu       sync.Mutex
	messages []forum.Message
	closed   bool
}

// New returns an empty reconciler.
func New() *Reconciler {
	return &Reconciler{}
}

// Seed replaces the state wholesale with the normalized messages.
func (r *Reconciler) Seed(messages []forum.Message) {
	next := Normalize(messages)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.messages = next
}

// Apply merges one event. It reports whether the state changed and returns the
// resulting snapshot, which the caller may keep: it is never mutated later.
func (r *Reconciler) Apply(ev forum.Event) ([]forum.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false
	}
	next, changed := Merge(r.messages, ev)
	if changed {
		r.messages = next
	}
	return r.messages, changed
}

// Messages returns the current snapshot. Callers must not modify it.
func (r *Reconciler) Messages() []forum.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.messages
}

// Len returns the number of messages held.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

// Close discards the state. Safe to call more than once.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.messages = nil
}

// Closed reports whether Close was called.
func (r *Reconciler) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
