package cancel

import "sync"

// Registry tracks the active cancellation token per session so an explicit
// stop request can reach an in-flight generation.
type Registry struct {
	mu     sync.Mutex
	tokens map[string]*Token
}

// NewRegistry creates an empty token registry.
func NewRegistry() *Registry {
	return &Registry{tokens: make(map[string]*Token)}
}

// Register records the token as the session's active token. The session lock
// guarantees at most one generation per session, so an existing entry is
// simply replaced.
func (r *Registry) Register(sessionID string, token *Token) {
	r.mu.Lock()
	r.tokens[sessionID] = token
	r.mu.Unlock()
}

// Stop triggers the session's active token if one is registered. Returns true
// if a token was found and cancelled, false otherwise.
func (r *Registry) Stop(sessionID string) bool {
	r.mu.Lock()
	token, ok := r.tokens[sessionID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	token.Cancel()
	return true
}

// Deregister removes the session's entry, but only if it still refers to the
// given token. A later generation for the same session is never unregistered
// by an earlier one's cleanup.
func (r *Registry) Deregister(sessionID string, token *Token) {
	r.mu.Lock()
	if current, ok := r.tokens[sessionID]; ok && current == token {
		delete(r.tokens, sessionID)
	}
	r.mu.Unlock()
}
