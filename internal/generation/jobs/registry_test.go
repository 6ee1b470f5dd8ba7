package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/runlab/agentd/internal/common/logger"
)

func event(i int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i))
}

// collect drains a subscription until its live channel closes.
func collect(t *testing.T, sub *Subscription) []string {
	t.Helper()

	var got []string
	for _, e := range sub.Replay {
		got = append(got, string(e))
	}
	for {
		select {
		case e, ok := <-sub.Events:
			if !ok {
				return got
			}
			got = append(got, string(e))
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
}

func TestCreateAndGet(t *testing.T) {
	r := NewRegistry(logger.Default())

	job := r.Create("sess-1")
	if job.Status() != StatusQueued {
		t.Errorf("new job status = %s, want queued", job.Status())
	}
	if job.SessionID != "sess-1" {
		t.Errorf("session id = %s", job.SessionID)
	}

	got, ok := r.Get(job.ID)
	if !ok || got != job {
		t.Error("Get should return the created job")
	}

	if _, ok := r.Get("missing"); ok {
		t.Error("Get for unknown id should report not found")
	}
}

func TestDispatchLifecycle(t *testing.T) {
	r := NewRegistry(logger.Default())
	job := r.Create("sess-1")

	sub := job.Subscribe()
	defer sub.Unsubscribe()

	r.Dispatch(context.Background(), job, func(ctx context.Context, emit func(json.RawMessage)) error {
		for i := 0; i < 3; i++ {
			emit(event(i))
		}
		return nil
	})

	got := collect(t, sub)
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3: %v", len(got), got)
	}
	for i, e := range got {
		if e != string(event(i)) {
			t.Errorf("event %d = %s, want %s", i, e, event(i))
		}
	}

	if job.Status() != StatusCompleted {
		t.Errorf("status = %s, want completed", job.Status())
	}
	started, finished := job.Times()
	if started == nil || finished == nil {
		t.Error("start and finish times should be recorded")
	}
}

func TestDispatchFailure(t *testing.T) {
	r := NewRegistry(logger.Default())
	job := r.Create("sess-1")

	sub := job.Subscribe()
	r.Dispatch(context.Background(), job, func(ctx context.Context, emit func(json.RawMessage)) error {
		emit(event(0))
		return errors.New("backend exploded")
	})
	collect(t, sub)

	if job.Status() != StatusFailed {
		t.Fatalf("status = %s, want failed", job.Status())
	}
	if job.Err() != "backend exploded" {
		t.Errorf("recorded error = %q", job.Err())
	}
}

func TestCancelledTokenWinsOverError(t *testing.T) {
	r := NewRegistry(logger.Default())
	job := r.Create("sess-1")

	r.Dispatch(context.Background(), job, func(ctx context.Context, emit func(json.RawMessage)) error {
		job.Token.Cancel()
		return errors.New("torn down mid-flight")
	})

	sub := job.Subscribe()
	collect(t, sub)

	if job.Status() != StatusCancelled {
		t.Errorf("status = %s, want cancelled", job.Status())
	}
	if job.Err() != "" {
		t.Errorf("cancelled job should not record an error, got %q", job.Err())
	}
}

func TestLateSubscriberGetsFullReplay(t *testing.T) {
	r := NewRegistry(logger.Default())
	job := r.Create("sess-1")

	r.Dispatch(context.Background(), job, func(ctx context.Context, emit func(json.RawMessage)) error {
		for i := 0; i < 5; i++ {
			emit(event(i))
		}
		return nil
	})

	// Wait for the job to finish before subscribing.
	deadline := time.Now().Add(5 * time.Second)
	for job.Status() != StatusCompleted {
		if time.Now().After(deadline) {
			t.Fatal("job never completed")
		}
		time.Sleep(time.Millisecond)
	}

	sub := job.Subscribe()
	got := collect(t, sub)
	if len(got) != 5 {
		t.Fatalf("late subscriber got %d events, want 5", len(got))
	}
	for i, e := range got {
		if e != string(event(i)) {
			t.Errorf("event %d = %s, want %s", i, e, event(i))
		}
	}
}

// TestConcurrentSubscribeDuringEmit is the replay-then-live atomicity
// property: however subscription interleaves with emission, every consumer
// observes the exact emission sequence with no gap or duplicate.
func TestConcurrentSubscribeDuringEmit(t *testing.T) {
	const total = 200
	const consumers = 8

	r := NewRegistry(logger.Default())
	job := r.Create("sess-1")

	results := make([][]string, consumers)
	var wg sync.WaitGroup
	for c := 0; c < consumers; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			// Stagger subscriptions so some land mid-emission.
			time.Sleep(time.Duration(c) * time.Millisecond)
			sub := job.Subscribe()
			results[c] = collect(t, sub)
		}(c)
	}

	r.Dispatch(context.Background(), job, func(ctx context.Context, emit func(json.RawMessage)) error {
		for i := 0; i < total; i++ {
			emit(event(i))
		}
		return nil
	})

	wg.Wait()

	for c, got := range results {
		if len(got) != total {
			t.Fatalf("consumer %d got %d events, want %d", c, len(got), total)
		}
		for i, e := range got {
			if e != string(event(i)) {
				t.Fatalf("consumer %d event %d = %s, want %s", c, i, e, event(i))
			}
		}
	}
}

func TestUnsubscribeIndependence(t *testing.T) {
	r := NewRegistry(logger.Default())
	job := r.Create("sess-1")

	early := job.Subscribe()
	stays := job.Subscribe()

	emitted := make(chan struct{})
	release := make(chan struct{})
	r.Dispatch(context.Background(), job, func(ctx context.Context, emit func(json.RawMessage)) error {
		emit(event(0))
		close(emitted)
		<-release
		emit(event(1))
		return nil
	})

	<-emitted
	early.Unsubscribe()
	close(release)

	got := collect(t, stays)
	if len(got) != 2 {
		t.Fatalf("remaining subscriber got %d events, want 2", len(got))
	}
	if job.Status() != StatusCompleted {
		t.Errorf("unsubscribe must not affect the job, status = %s", job.Status())
	}
}

func TestEmitAfterTerminalDropped(t *testing.T) {
	r := NewRegistry(logger.Default())
	job := r.Create("sess-1")

	r.Dispatch(context.Background(), job, func(ctx context.Context, emit func(json.RawMessage)) error {
		return nil
	})

	deadline := time.Now().Add(5 * time.Second)
	for !job.Status().Terminal() {
		if time.Now().After(deadline) {
			t.Fatal("job never finished")
		}
		time.Sleep(time.Millisecond)
	}

	job.Emit(event(99))
	if job.EventCount() != 0 {
		t.Error("events emitted after the terminal transition must be dropped")
	}
}

func TestEvict(t *testing.T) {
	r := NewRegistry(logger.Default())

	done := r.Create("sess-1")
	r.Dispatch(context.Background(), done, func(ctx context.Context, emit func(json.RawMessage)) error {
		return nil
	})
	running := r.Create("sess-2")
	running.markRunning()

	deadline := time.Now().Add(5 * time.Second)
	for done.Status() != StatusCompleted {
		if time.Now().After(deadline) {
			t.Fatal("job never completed")
		}
		time.Sleep(time.Millisecond)
	}

	if n := r.Evict(time.Hour); n != 0 {
		t.Errorf("nothing should be older than an hour, evicted %d", n)
	}
	if n := r.Evict(0); n != 1 {
		t.Errorf("expected to evict the finished job, evicted %d", n)
	}
	if _, ok := r.Get(running.ID); !ok {
		t.Error("running job must never be evicted")
	}
	if _, ok := r.Get(done.ID); ok {
		t.Error("finished job should be gone")
	}
}
