package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"provisioner/domain/saga"
)

func envelope(t *testing.T, id saga.SagaID, version uint64, event saga.Event) saga.Envelope {
	t.Helper()
	env, err := saga.NewEnvelope(id, version, event, "corr-1", "", time.Now())
	require.NoError(t, err)
	return env
}

func started(t *testing.T, id saga.SagaID, scope string) saga.Envelope {
	t.Helper()
	return envelope(t, id, 1, saga.Started{DefinitionName: "d", ScopeKey: scope, StepCount: 1})
}

func TestAppend_VersionChecked(t *testing.T) {
	store := NewEventStore()
	ctx := context.Background()
	id := saga.SagaID("saga-1")

	v, err := store.Append(ctx, id, 0, started(t, id, "scope-1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	t.Run("stale expected version", func(t *testing.T) {
		_, err := store.Append(ctx, id, 0, started(t, id, "scope-1"))
		assert.ErrorIs(t, err, saga.ErrConcurrencyConflict)
	})

	t.Run("envelope version must be expected+1", func(t *testing.T) {
		env := envelope(t, id, 3, saga.StepStarted{StepIndex: 0, StepName: "a", Attempt: 1})
		_, err := store.Append(ctx, id, 1, env)
		assert.ErrorIs(t, err, saga.ErrConcurrencyConflict)
	})

	t.Run("next version accepted", func(t *testing.T) {
		env := envelope(t, id, 2, saga.StepStarted{StepIndex: 0, StepName: "a", Attempt: 1})
		v, err := store.Append(ctx, id, 1, env)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), v)
	})
}

func TestAppend_TerminalClosesStream(t *testing.T) {
	store := NewEventStore()
	ctx := context.Background()
	id := saga.SagaID("saga-1")

	_, err := store.Append(ctx, id, 0, started(t, id, "scope-1"))
	require.NoError(t, err)
	_, err = store.Append(ctx, id, 1, envelope(t, id, 2, saga.Completed{}))
	require.NoError(t, err)

	_, err = store.Append(ctx, id, 2, envelope(t, id, 3, saga.StepStarted{StepIndex: 0, StepName: "a", Attempt: 1}))
	assert.ErrorIs(t, err, saga.ErrStreamClosed)
}

func TestAppend_ScopeExclusion(t *testing.T) {
	store := NewEventStore()
	ctx := context.Background()

	_, err := store.Append(ctx, "saga-1", 0, started(t, "saga-1", "scope-1"))
	require.NoError(t, err)

	_, err = store.Append(ctx, "saga-2", 0, started(t, "saga-2", "scope-1"))
	assert.ErrorIs(t, err, saga.ErrDuplicateSaga)

	holder, open, err := store.OpenByScope(ctx, "scope-1")
	require.NoError(t, err)
	assert.True(t, open)
	assert.Equal(t, saga.SagaID("saga-1"), holder)
}

func TestAppend_TerminalReleasesScope(t *testing.T) {
	store := NewEventStore()
	ctx := context.Background()

	_, err := store.Append(ctx, "saga-1", 0, started(t, "saga-1", "scope-1"))
	require.NoError(t, err)
	_, err = store.Append(ctx, "saga-1", 1, envelope(t, "saga-1", 2, saga.Completed{}))
	require.NoError(t, err)

	_, open, err := store.OpenByScope(ctx, "scope-1")
	require.NoError(t, err)
	assert.False(t, open)

	_, err = store.Append(ctx, "saga-2", 0, started(t, "saga-2", "scope-1"))
	assert.NoError(t, err, "a closed stream's scope is free for the next saga")
}

func TestRead(t *testing.T) {
	store := NewEventStore()
	ctx := context.Background()
	id := saga.SagaID("saga-1")

	_, err := store.Append(ctx, id, 0, started(t, id, "scope-1"))
	require.NoError(t, err)
	_, err = store.Append(ctx, id, 1, envelope(t, id, 2, saga.StepStarted{StepIndex: 0, StepName: "a", Attempt: 1}))
	require.NoError(t, err)
	_, err = store.Append(ctx, id, 2, envelope(t, id, 3, saga.StepCompleted{StepIndex: 0, StepName: "a"}))
	require.NoError(t, err)

	t.Run("full stream", func(t *testing.T) {
		envs, err := store.Read(ctx, id, 1)
		require.NoError(t, err)
		require.Len(t, envs, 3)
		assert.Equal(t, uint64(1), envs[0].Version)
		assert.Equal(t, uint64(3), envs[2].Version)
	})

	t.Run("from mid-stream", func(t *testing.T) {
		envs, err := store.Read(ctx, id, 2)
		require.NoError(t, err)
		require.Len(t, envs, 2)
		assert.Equal(t, uint64(2), envs[0].Version)
	})

	t.Run("past the end", func(t *testing.T) {
		envs, err := store.Read(ctx, id, 4)
		require.NoError(t, err)
		assert.Empty(t, envs)
	})

	t.Run("absent stream", func(t *testing.T) {
		_, err := store.Read(ctx, "nope", 1)
		assert.ErrorIs(t, err, saga.ErrStreamNotFound)
	})
}

func TestOpenStreams(t *testing.T) {
	store := NewEventStore()
	ctx := context.Background()

	_, err := store.Append(ctx, "open-1", 0, started(t, "open-1", "s1"))
	require.NoError(t, err)
	_, err = store.Append(ctx, "done-1", 0, started(t, "done-1", "s2"))
	require.NoError(t, err)
	_, err = store.Append(ctx, "done-1", 1, envelope(t, "done-1", 2, saga.Completed{}))
	require.NoError(t, err)

	open, err := store.OpenStreams(ctx)
	require.NoError(t, err)
	assert.Equal(t, []saga.SagaID{"open-1"}, open)
}
