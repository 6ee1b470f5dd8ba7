// Package agent provides the backends that run one generation turn: a
// CLI-backed process adapter that tails the agent's log file, and an
// SDK-backed adapter that streams directly from the model API.
package agent

import (
	"context"
	"encoding/json"

	"github.com/runlab/agentd/internal/generation/cancel"
)

// Kind selects the backend variant for a generation request.
type Kind string

const (
	KindCLI Kind = "cli"
	KindSDK Kind = "sdk"
)

// Turn carries everything a backend needs to run one generation turn against
// a session.
type Turn struct {
	SessionID string
	Prompt    string
	WorkDir   string
	Model     string
	Images    []string

	// AgentSessionID is the backend's own resume token, empty on the
	// session's first turn.
	AgentSessionID string

	// OnAgentSessionID is invoked once when a first turn learns the backend's
	// session identifier, so the caller can persist it.
	OnAgentSessionID func(id string)

	// Token cancels the turn cooperatively across every stage.
	Token *cancel.Token
}

// Backend runs one turn and reports events through emit. Event payloads are
// opaque JSON; ordering is the backend's contract. On success (or on a
// cancelled turn) the backend emits exactly one terminal done sentinel; on
// error it returns without one.
type Backend interface {
	Kind() Kind
	Run(ctx context.Context, turn Turn, emit func(json.RawMessage)) error
}

// DoneEvent is the terminal sentinel closing every successful event stream.
func DoneEvent() json.RawMessage {
	return json.RawMessage(`{"type":"done"}`)
}

// ErrorEvent is the terminal record a foreground stream ends with when the
// turn fails.
func ErrorEvent(err error) json.RawMessage {
	payload, _ := json.Marshal(map[string]string{
		"type":  "error",
		"error": err.Error(),
	})
	return payload
}

// InitEvent announces the discovered log file and agent session id before any
// tailed events.
func InitEvent(logFile, agentSessionID string) json.RawMessage {
	payload, _ := json.Marshal(map[string]string{
		"type":             "init",
		"log_file":         logFile,
		"agent_session_id": agentSessionID,
	})
	return payload
}
