package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/runlab/agentd/internal/common/logger"
)

// Work is the asynchronous unit executed for a background job. It reports
// events through emit and returns nil on success.
type Work func(ctx context.Context, emit func(json.RawMessage)) error

// Registry tracks background generation jobs for the lifetime of the process.
// Terminal jobs can be dropped via Evict; non-terminal jobs never are.
type Registry struct {
	mu     sync.RWMutex
	jobs   map[string]*Job
	logger *logger.Logger
}

// NewRegistry creates an empty job registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		jobs:   make(map[string]*Job),
		logger: log.WithFields(zap.String("component", "job-registry")),
	}
}

// Create allocates a queued job for the session and stores it by task id.
func (r *Registry) Create(sessionID string) *Job {
	job := newJob(sessionID)
	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()

	r.logger.Debug("job created",
		zap.String("task_id", job.ID),
		zap.String("session_id", sessionID))
	return job
}

// Get returns the job for a task id.
func (r *Registry) Get(taskID string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[taskID]
	return job, ok
}

// Dispatch transitions the job to running and executes work asynchronously.
// On return from work the job reaches exactly one terminal state: completed,
// failed (error recorded), or cancelled when its token fired first.
func (r *Registry) Dispatch(ctx context.Context, job *Job, work Work) {
	job.markRunning()

	go func() {
		err := work(ctx, job.Emit)
		job.finish(err)

		log := r.logger.WithTaskID(job.ID)
		if err != nil && job.Status() == StatusFailed {
			log.Warn("job failed", zap.Error(err))
		} else {
			log.Info("job finished", zap.String("status", string(job.Status())))
		}
	}()
}

// Evict drops terminal jobs that finished before the cutoff and returns how
// many were removed.
func (r *Registry) Evict(olderThan time.Duration) int {
	cutoff := time.Now().UTC().Add(-olderThan)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, job := range r.jobs {
		_, finished := job.Times()
		if job.Status().Terminal() && finished != nil && finished.Before(cutoff) {
			delete(r.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info("evicted finished jobs", zap.Int("count", removed))
	}
	return removed
}

// Len returns the number of tracked jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}
