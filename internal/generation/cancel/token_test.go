package cancel

import (
	"sync"
	"testing"
)

func TestCancelIdempotent(t *testing.T) {
	token := NewToken()

	calls := 0
	token.OnCancel(func() { calls++ })

	token.Cancel()
	token.Cancel()
	token.Cancel()

	if calls != 1 {
		t.Errorf("expected listener to run once, ran %d times", calls)
	}
	if !token.Cancelled() {
		t.Error("expected token to report cancelled")
	}
}

func TestDoneChannelCloses(t *testing.T) {
	token := NewToken()

	select {
	case <-token.Done():
		t.Fatal("Done closed before Cancel")
	default:
	}

	token.Cancel()

	select {
	case <-token.Done():
	default:
		t.Fatal("Done not closed after Cancel")
	}
}

func TestOnCancelAfterTrigger(t *testing.T) {
	token := NewToken()
	token.Cancel()

	ran := false
	token.OnCancel(func() { ran = true })

	if !ran {
		t.Error("listener registered after cancellation should run immediately")
	}
}

func TestConcurrentCancel(t *testing.T) {
	token := NewToken()

	var mu sync.Mutex
	calls := 0
	token.OnCancel(func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token.Cancel()
		}()
	}
	wg.Wait()

	if calls != 1 {
		t.Errorf("expected listener to run once under concurrent cancel, ran %d times", calls)
	}
}

func TestRegistryStop(t *testing.T) {
	reg := NewRegistry()

	if reg.Stop("missing") {
		t.Error("Stop for unknown session should return false")
	}

	token := NewToken()
	reg.Register("sess-1", token)
	if !reg.Stop("sess-1") {
		t.Error("Stop should find the registered token")
	}
	if !token.Cancelled() {
		t.Error("Stop should cancel the token")
	}
}

func TestRegistryDeregisterOnlyOwnToken(t *testing.T) {
	reg := NewRegistry()

	old := NewToken()
	current := NewToken()
	reg.Register("sess-1", old)
	reg.Register("sess-1", current)

	// Cleanup from the superseded generation must not evict the new token.
	reg.Deregister("sess-1", old)

	if !reg.Stop("sess-1") {
		t.Fatal("current token should still be registered")
	}
	if !current.Cancelled() {
		t.Error("current token should have been cancelled")
	}
	if old.Cancelled() {
		t.Error("old token should not have been cancelled")
	}
}
