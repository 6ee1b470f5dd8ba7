// Package cancel provides the cooperative cancellation primitive threaded
// through every asynchronous stage of a generation.
package cancel

import "sync"

// Token is a cooperative cancellation token. Cancellation is idempotent and
// irreversible; registered listeners are invoked exactly once.
type Token struct {
	mu        sync.Mutex
	cancelled bool
	done      chan struct{}
	listeners []func()
}

// NewToken creates a fresh, uncancelled token.
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel triggers the token. The first call closes Done and runs every
// registered listener once; subsequent calls are no-ops.
func (t *Token) Cancel() {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	listeners := t.listeners
	t.listeners = nil
	close(t.done)
	t.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// Cancelled reports whether the token has been triggered.
func (t *Token) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Done returns a channel that is closed when the token is cancelled.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// OnCancel registers a teardown listener. If the token is already cancelled
// the listener runs immediately. Listeners must be idempotent.
func (t *Token) OnCancel(fn func()) {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		fn()
		return
	}
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}
