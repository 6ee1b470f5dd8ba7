package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/runlab/agentd/internal/common/errors"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Session{
		ID:      "sess-1",
		WorkDir: "/tmp/project",
		Model:   "claude-sonnet-4-5",
	}))

	got, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/project", got.WorkDir)
	assert.Equal(t, "claude-sonnet-4-5", got.Model)
	assert.Empty(t, got.AgentSessionID)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestGetMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
}

func TestGetOrCreate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.GetOrCreate(ctx, "sess-1", "/tmp/a", "m1")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/a", created.WorkDir)

	// Second call must return the existing record, not overwrite it.
	again, err := store.GetOrCreate(ctx, "sess-1", "/tmp/other", "m2")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/a", again.WorkDir)
	assert.Equal(t, "m1", again.Model)
}

func TestGetOrCreateConcurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Racing first requests for the same session must all resolve to the
	// single stored row, never fail on the insert.
	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.GetOrCreate(ctx, "sess-1", "/tmp/a", "m1")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "caller %d", i)
	}

	sessions, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "/tmp/a", sessions[0].WorkDir)
}

func TestUpdateAgentSessionID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Session{ID: "sess-1", WorkDir: "/tmp"}))
	require.NoError(t, store.UpdateAgentSessionID(ctx, "sess-1", "d5c9d7d8-0000-0000-0000-000000000000"))

	got, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "d5c9d7d8-0000-0000-0000-000000000000", got.AgentSessionID)

	err = store.UpdateAgentSessionID(ctx, "missing", "x")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
}

func TestListOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Session{ID: "a", WorkDir: "/tmp"}))
	require.NoError(t, store.Create(ctx, &Session{ID: "b", WorkDir: "/tmp"}))
	require.NoError(t, store.Touch(ctx, "a"))

	sessions, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "a", sessions[0].ID)
}
