// Package lock serializes generations per session via an exclusive,
// time-bounded lock in a shared Redis store.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/runlab/agentd/internal/common/logger"
)

const keyPrefix = "session:active:"

// SessionLock acquires and releases per-session exclusive locks. The TTL is a
// leak guard against orphaned locks, not a correctness mechanism; every exit
// path of a generation releases explicitly.
type SessionLock struct {
	client *redis.Client
	ttl    time.Duration
	logger *logger.Logger
}

// New creates a SessionLock on the given Redis client.
func New(client *redis.Client, ttl time.Duration, log *logger.Logger) *SessionLock {
	return &SessionLock{
		client: client,
		ttl:    ttl,
		logger: log.WithFields(zap.String("component", "session-lock")),
	}
}

// NewClient connects a Redis client for the lock store.
func NewClient(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// Acquire attempts an atomic create-if-absent of the session's lock key.
// Returns true only when the caller obtained exclusive ownership.
func (l *SessionLock) Acquire(ctx context.Context, sessionID string) (bool, error) {
	ok, err := l.client.SetNX(ctx, keyPrefix+sessionID, "1", l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire session lock: %w", err)
	}
	if ok {
		l.logger.Debug("session lock acquired", zap.String("session_id", sessionID))
	}
	return ok, nil
}

// Release unconditionally deletes the session's lock key. Idempotent; safe to
// call when the lock was never held.
func (l *SessionLock) Release(ctx context.Context, sessionID string) error {
	if err := l.client.Del(ctx, keyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("failed to release session lock: %w", err)
	}
	l.logger.Debug("session lock released", zap.String("session_id", sessionID))
	return nil
}
