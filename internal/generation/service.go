// Package generation orchestrates generation turns: exclusive per-session
// locking, foreground streaming, background job dispatch, and cooperative
// cancellation.
package generation

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/runlab/agentd/internal/common/config"
	apperrors "github.com/runlab/agentd/internal/common/errors"
	"github.com/runlab/agentd/internal/common/logger"
	"github.com/runlab/agentd/internal/events/bus"
	"github.com/runlab/agentd/internal/generation/agent"
	"github.com/runlab/agentd/internal/generation/cancel"
	"github.com/runlab/agentd/internal/generation/jobs"
	"github.com/runlab/agentd/internal/generation/lock"
	"github.com/runlab/agentd/internal/session"
)

// Request describes one generation turn.
type Request struct {
	SessionID  string     `json:"session_id"`
	Prompt     string     `json:"prompt"`
	Backend    agent.Kind `json:"backend,omitempty"`
	WorkDir    string     `json:"workdir,omitempty"`
	Model      string     `json:"model,omitempty"`
	Images     []string   `json:"images,omitempty"`
	Background bool       `json:"background,omitempty"`
}

// ForegroundStream is a live event stream for a foreground turn. Events closes
// after the terminal record. Cancel stops the turn cooperatively; events keep
// flowing to the consumer until the stream ends, so a stopped turn still
// delivers its terminal sentinel.
type ForegroundStream struct {
	Events <-chan json.RawMessage
	Cancel func()

	gone     chan struct{}
	goneOnce sync.Once
}

// Close marks the consumer gone: pending and future events are discarded so
// the backend never blocks on a departed reader. It does not stop the turn;
// a caller that disconnects mid-turn pairs it with Cancel.
func (s *ForegroundStream) Close() {
	s.goneOnce.Do(func() { close(s.gone) })
}

// StartResult is the outcome of starting a generation: a task id for
// background mode, a live stream for foreground mode. Exactly one is set.
type StartResult struct {
	TaskID string
	Stream *ForegroundStream
}

// JobStatus is the queryable view of a background job.
type JobStatus struct {
	TaskID     string      `json:"task_id"`
	SessionID  string      `json:"session_id"`
	Status     jobs.Status `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Error      string      `json:"error,omitempty"`
	EventCount int         `json:"event_count"`
}

// Service coordinates generation turns across the session store, the session
// lock, the job registry, and the agent backends.
type Service struct {
	cfg      config.GenerationConfig
	store    session.Store
	lock     *lock.SessionLock
	jobs     *jobs.Registry
	tokens   *cancel.Registry
	bus      bus.EventBus
	backends map[agent.Kind]agent.Backend
	logger   *logger.Logger
}

// NewService creates the generation orchestrator. Backends are indexed by
// their kind; a request naming an unregistered kind is rejected up front.
func NewService(
	cfg config.GenerationConfig,
	store session.Store,
	sessionLock *lock.SessionLock,
	registry *jobs.Registry,
	tokens *cancel.Registry,
	eventBus bus.EventBus,
	log *logger.Logger,
	backends ...agent.Backend,
) *Service {
	byKind := make(map[agent.Kind]agent.Backend, len(backends))
	for _, b := range backends {
		byKind[b.Kind()] = b
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		lock:     sessionLock,
		jobs:     registry,
		tokens:   tokens,
		bus:      eventBus,
		backends: byKind,
		logger:   log.WithFields(zap.String("component", "generation-service")),
	}
}

// Generate starts one turn for a session. Validation happens before any side
// effect; lock contention rejects with SESSION_BUSY and spawns nothing. The
// session lock is released and the cancel token deregistered on every exit
// path, success or not.
func (s *Service) Generate(ctx context.Context, req Request) (*StartResult, error) {
	backend, err := s.validate(&req)
	if err != nil {
		return nil, err
	}

	sess, err := s.store.GetOrCreate(ctx, req.SessionID, req.WorkDir, s.cfg.DefaultModel)
	if err != nil {
		return nil, err
	}

	acquired, err := s.lock.Acquire(ctx, req.SessionID)
	if err != nil {
		return nil, apperrors.InternalError("failed to acquire session lock", err)
	}
	if !acquired {
		return nil, apperrors.SessionBusy(req.SessionID)
	}

	if req.Background {
		return s.startBackground(sess, req, backend)
	}
	return s.startForeground(sess, req, backend)
}

// validate checks the request shape and resolves the backend. No side effects.
func (s *Service) validate(req *Request) (agent.Backend, error) {
	if req.SessionID == "" {
		return nil, apperrors.InvalidRequest("session_id is required")
	}
	if req.Prompt == "" {
		return nil, apperrors.InvalidRequest("prompt is required")
	}
	if req.WorkDir != "" && !filepath.IsAbs(req.WorkDir) {
		return nil, apperrors.InvalidRequest("workdir must be an absolute path")
	}
	if req.Backend == "" {
		req.Backend = agent.KindCLI
	}
	backend, ok := s.backends[req.Backend]
	if !ok {
		return nil, apperrors.InvalidRequest("unknown backend: " + string(req.Backend))
	}
	return backend, nil
}

// buildTurn assembles the backend turn from the request and the stored
// session, request fields winning over session defaults.
func (s *Service) buildTurn(sess *session.Session, req Request, token *cancel.Token) agent.Turn {
	model := req.Model
	if model == "" {
		model = sess.Model
	}
	workdir := req.WorkDir
	if workdir == "" {
		workdir = sess.WorkDir
	}
	return agent.Turn{
		SessionID:      sess.ID,
		Prompt:         req.Prompt,
		WorkDir:        workdir,
		Model:          model,
		Images:         req.Images,
		AgentSessionID: sess.AgentSessionID,
		OnAgentSessionID: func(id string) {
			ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelFn()
			if err := s.store.UpdateAgentSessionID(ctx, sess.ID, id); err != nil {
				s.logger.WithSessionID(sess.ID).Warn("failed to persist agent session id", zap.Error(err))
			}
		},
		Token: token,
	}
}

func (s *Service) startForeground(sess *session.Session, req Request, backend agent.Backend) (*StartResult, error) {
	token := cancel.NewToken()
	s.tokens.Register(req.SessionID, token)
	turn := s.buildTurn(sess, req, token)

	out := make(chan json.RawMessage, 16)
	stream := &ForegroundStream{Events: out, Cancel: token.Cancel, gone: make(chan struct{})}
	emit := func(event json.RawMessage) {
		// Delivery blocks on a slow consumer; only a departed one drops.
		select {
		case out <- event:
		case <-stream.gone:
		}
	}

	log := s.logger.WithSessionID(req.SessionID)
	s.publish(bus.SubjectGenerationStarted, map[string]string{
		"session_id": req.SessionID,
		"backend":    string(req.Backend),
		"mode":       "foreground",
	})

	go func() {
		defer close(out)
		defer s.release(req.SessionID, token)

		err := backend.Run(context.Background(), turn, emit)
		switch {
		case token.Cancelled():
			log.Info("generation cancelled")
			s.publish(bus.SubjectGenerationCancelled, map[string]string{"session_id": req.SessionID})
		case err != nil:
			log.Warn("generation failed", zap.Error(err))
			emit(agent.ErrorEvent(err))
			s.publish(bus.SubjectGenerationFailed, map[string]string{
				"session_id": req.SessionID,
				"error":      err.Error(),
			})
		default:
			s.publish(bus.SubjectGenerationCompleted, map[string]string{"session_id": req.SessionID})
		}
	}()

	return &StartResult{Stream: stream}, nil
}

func (s *Service) startBackground(sess *session.Session, req Request, backend agent.Backend) (*StartResult, error) {
	job := s.jobs.Create(req.SessionID)
	s.tokens.Register(req.SessionID, job.Token)
	turn := s.buildTurn(sess, req, job.Token)

	log := s.logger.WithSessionID(req.SessionID).WithTaskID(job.ID)
	s.publish(bus.SubjectJobCreated, map[string]string{
		"task_id":    job.ID,
		"session_id": req.SessionID,
	})
	s.publish(bus.SubjectGenerationStarted, map[string]string{
		"session_id": req.SessionID,
		"task_id":    job.ID,
		"backend":    string(req.Backend),
		"mode":       "background",
	})

	s.jobs.Dispatch(context.Background(), job, func(ctx context.Context, emit func(json.RawMessage)) error {
		defer s.release(req.SessionID, job.Token)

		err := backend.Run(ctx, turn, emit)
		switch {
		case job.Token.Cancelled():
			s.publish(bus.SubjectGenerationCancelled, map[string]string{
				"session_id": req.SessionID,
				"task_id":    job.ID,
			})
		case err != nil:
			log.Warn("background generation failed", zap.Error(err))
			s.publish(bus.SubjectGenerationFailed, map[string]string{
				"session_id": req.SessionID,
				"task_id":    job.ID,
				"error":      err.Error(),
			})
		default:
			s.publish(bus.SubjectGenerationCompleted, map[string]string{
				"session_id": req.SessionID,
				"task_id":    job.ID,
			})
		}
		return err
	})

	return &StartResult{TaskID: job.ID}, nil
}

// release frees the session lock and drops the cancel token registration.
// Runs on every generation exit path, after the backend has fully stopped.
func (s *Service) release(sessionID string, token *cancel.Token) {
	ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFn()
	if err := s.lock.Release(ctx, sessionID); err != nil {
		s.logger.WithSessionID(sessionID).Error("failed to release session lock", zap.Error(err))
	}
	s.tokens.Deregister(sessionID, token)
	if err := s.store.Touch(ctx, sessionID); err != nil {
		s.logger.WithSessionID(sessionID).Warn("failed to touch session", zap.Error(err))
	}
}

// GetJobStatus returns the queryable view of a background job.
func (s *Service) GetJobStatus(taskID string) (*JobStatus, error) {
	job, ok := s.jobs.Get(taskID)
	if !ok {
		return nil, apperrors.NotFound("job", taskID)
	}
	started, finished := job.Times()
	return &JobStatus{
		TaskID:     job.ID,
		SessionID:  job.SessionID,
		Status:     job.Status(),
		CreatedAt:  job.CreatedAt,
		StartedAt:  started,
		FinishedAt: finished,
		Error:      job.Err(),
		EventCount: job.EventCount(),
	}, nil
}

// StreamJob attaches to a background job's event stream: the buffered log is
// replayed first, then live events until the job reaches a terminal state.
func (s *Service) StreamJob(taskID string) (*jobs.Subscription, error) {
	job, ok := s.jobs.Get(taskID)
	if !ok {
		return nil, apperrors.NotFound("job", taskID)
	}
	return job.Subscribe(), nil
}

// StopGeneration cancels the session's active generation, if any. Returns
// false when nothing was running.
func (s *Service) StopGeneration(sessionID string) bool {
	stopped := s.tokens.Stop(sessionID)
	if stopped {
		s.logger.WithSessionID(sessionID).Info("stop requested")
	}
	return stopped
}

// StartJanitor periodically evicts terminal jobs older than the configured
// retention window. Stops when ctx is done.
func (s *Service) StartJanitor(ctx context.Context) {
	interval := s.cfg.JobRetentionDuration() / 4
	if interval > 10*time.Minute || interval <= 0 {
		interval = 10 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.jobs.Evict(s.cfg.JobRetentionDuration())
			}
		}
	}()
}

func (s *Service) publish(subject string, data map[string]string) {
	if s.bus == nil {
		return
	}
	ctx, cancelFn := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelFn()
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(subject, data)); err != nil {
		s.logger.Warn("failed to publish lifecycle event",
			zap.String("subject", subject), zap.Error(err))
	}
}
