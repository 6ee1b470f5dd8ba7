// Package jobs tracks background generation tasks: lifecycle state machine,
// buffered event log, and publish/subscribe fan-out to live and late-joining
// consumers.
package jobs

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/runlab/agentd/internal/generation/cancel"
)

// Status is the lifecycle state of a background job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is a background-mode generation turn tracked independently of any
// single stream consumer. Events are opaque JSON payloads; the job preserves
// their emission order for every subscriber.
type Job struct {
	ID        string
	SessionID string
	CreatedAt time.Time
	Token     *cancel.Token

	mu          sync.Mutex
	status      Status
	startedAt   *time.Time
	finishedAt  *time.Time
	errMsg      string
	events      []json.RawMessage
	subscribers map[*subscriber]struct{}
}

func newJob(sessionID string) *Job {
	return &Job{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		CreatedAt:   time.Now().UTC(),
		Token:       cancel.NewToken(),
		status:      StatusQueued,
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Status returns the current lifecycle status.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Times returns the start and finish timestamps, either of which may be nil.
func (j *Job) Times() (started, finished *time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.startedAt, j.finishedAt
}

// Err returns the recorded error description, empty unless the job failed.
func (j *Job) Err() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.errMsg
}

// EventCount returns the number of buffered events.
func (j *Job) EventCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.events)
}

// markRunning transitions queued -> running and records the start time.
func (j *Job) markRunning() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusQueued {
		return
	}
	now := time.Now().UTC()
	j.status = StatusRunning
	j.startedAt = &now
}

// finish records the terminal transition. The first terminal transition wins;
// later outcomes are discarded. Cancellation takes precedence over an error
// returned by work that was torn down mid-flight.
func (j *Job) finish(workErr error) {
	j.mu.Lock()
	if j.status.Terminal() {
		j.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	j.finishedAt = &now
	switch {
	case j.Token.Cancelled():
		j.status = StatusCancelled
	case workErr != nil:
		j.status = StatusFailed
		j.errMsg = workErr.Error()
	default:
		j.status = StatusCompleted
	}

	// Publish the terminal notification exactly once. No events are accepted
	// past this point.
	for sub := range j.subscribers {
		sub.finish()
	}
	j.subscribers = make(map[*subscriber]struct{})
	j.mu.Unlock()
}

// Emit appends an event to the job's log and publishes it to all current
// subscribers in emission order. Events after the terminal transition are
// dropped.
func (j *Job) Emit(event json.RawMessage) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return
	}
	j.events = append(j.events, event)
	for sub := range j.subscribers {
		sub.push(event)
	}
}

// Subscription is one consumer's view of a job: the replayed event log plus a
// live channel. Events is closed after the terminal notification (or after
// Unsubscribe).
type Subscription struct {
	Replay []json.RawMessage
	Events <-chan json.RawMessage

	job *Job
	sub *subscriber
}

// Unsubscribe stops delivery to this consumer without affecting others or the
// job itself. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.job.mu.Lock()
	delete(s.job.subscribers, s.sub)
	s.job.mu.Unlock()
	s.sub.close()
}

// Subscribe returns the full current event log for replay plus a live
// listener. Registration is atomic with respect to Emit: a consumer receives
// every buffered event in original order, then every subsequent live event,
// with no duplication and no gap. If the job is already terminal the live
// channel closes once drained.
func (j *Job) Subscribe() *Subscription {
	j.mu.Lock()
	replay := make([]json.RawMessage, len(j.events))
	copy(replay, j.events)

	sub := newSubscriber()
	if j.status.Terminal() {
		sub.finish()
	} else {
		j.subscribers[sub] = struct{}{}
	}
	j.mu.Unlock()

	return &Subscription{
		Replay: replay,
		Events: sub.out,
		job:    j,
		sub:    sub,
	}
}

// subscriber is a per-consumer queue pumped to an output channel. The queue
// is unbounded so a slow consumer can never force the emitter to drop or
// reorder events.
type subscriber struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []json.RawMessage
	done   bool // terminal notification received; close out after flushing
	closed bool // consumer gone; stop immediately
	quit   chan struct{}
	out    chan json.RawMessage
}

func newSubscriber() *subscriber {
	s := &subscriber{
		quit: make(chan struct{}),
		out:  make(chan json.RawMessage, 16),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

func (s *subscriber) push(event json.RawMessage) {
	s.mu.Lock()
	if !s.closed && !s.done {
		s.queue = append(s.queue, event)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber) finish() {
	s.mu.Lock()
	s.done = true
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscriber) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.quit)
	}
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.done && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		batch := s.queue
		s.queue = nil
		done := s.done
		s.mu.Unlock()

		for _, event := range batch {
			// Delivery blocks on a slow consumer (never drops or reorders)
			// but bails out if the consumer unsubscribes.
			select {
			case s.out <- event:
			case <-s.quit:
				return
			}
		}

		if done {
			return
		}
	}
}
