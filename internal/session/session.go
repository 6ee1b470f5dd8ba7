// Package session provides the durable session records that generations run
// against. The orchestrator reads and updates the backend's own session
// identifier here but does not own the schema.
package session

import (
	"context"
	"time"
)

// Session is a caller-named conversation context with a working directory and
// resumable agent state.
type Session struct {
	ID             string    `db:"id" json:"id"`
	WorkDir        string    `db:"workdir" json:"workdir"`
	Model          string    `db:"model" json:"model"`
	AgentSessionID string    `db:"agent_session_id" json:"agent_session_id,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// Store is the session persistence consumed by the generation orchestrator.
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	Create(ctx context.Context, s *Session) error
	// GetOrCreate resolves the session, creating it with the given defaults
	// when absent.
	GetOrCreate(ctx context.Context, id, workdir, model string) (*Session, error)
	// UpdateAgentSessionID records the backend's resume token after a first
	// turn.
	UpdateAgentSessionID(ctx context.Context, id, agentSessionID string) error
	// Touch bumps the session's updated_at timestamp.
	Touch(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Session, error)
}
