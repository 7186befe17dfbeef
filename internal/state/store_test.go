package state_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdeck/synckit/internal/events"
	"github.com/opsdeck/synckit/internal/models"
	"github.com/opsdeck/synckit/internal/state"
)

func newTestLogger() *events.Logger {
	var buf bytes.Buffer
	return events.NewTestLogger(events.DebugLevel, "json", &buf)
}

func TestJSONStore(t *testing.T) {
	store, err := state.NewJSONStore(t.TempDir(), newTestLogger())
	require.NoError(t, err)
	defer store.Close()

	testStoreOperations(t, store)
}

func TestSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "synckit.db")

	store, err := state.NewSQLiteStore(dbPath, newTestLogger())
	require.NoError(t, err)
	defer store.Close()

	testStoreOperations(t, store)
}

func testStoreOperations(t *testing.T, store state.Store) {
	t.Run("empty queue on fresh store", func(t *testing.T) {
		queue, err := store.LoadQueue()
		require.NoError(t, err)
		assert.Empty(t, queue)

		failed, err := store.LoadFailed()
		require.NoError(t, err)
		assert.Empty(t, failed)
	})

	t.Run("no session on fresh store", func(t *testing.T) {
		_, err := store.LoadSession()
		assert.ErrorIs(t, err, state.ErrNotFound)
	})

	t.Run("queue round trip preserves order and payload", func(t *testing.T) {
		enqueued := time.Now().UTC().Truncate(time.Second)
		actions := []models.QueuedAction{
			{ID: "a1", Seq: 1, Type: "create_invoice", Payload: json.RawMessage(`{"amount":100}`), EnqueuedAt: enqueued},
			{ID: "a2", Seq: 2, Type: "update_todo", Payload: json.RawMessage(`{"done":true}`), Retries: 2, Error: "server error", EnqueuedAt: enqueued},
			{ID: "a3", Seq: 3, Type: "log_timesheet", Payload: json.RawMessage(`{"hours":8}`), EnqueuedAt: enqueued},
		}

		require.NoError(t, store.SaveQueue(actions))

		loaded, err := store.LoadQueue()
		require.NoError(t, err)
		require.Len(t, loaded, 3)

		for i := range actions {
			assert.Equal(t, actions[i].ID, loaded[i].ID)
			assert.Equal(t, actions[i].Seq, loaded[i].Seq)
			assert.Equal(t, actions[i].Type, loaded[i].Type)
			assert.JSONEq(t, string(actions[i].Payload), string(loaded[i].Payload))
			assert.Equal(t, actions[i].Retries, loaded[i].Retries)
			assert.Equal(t, actions[i].Error, loaded[i].Error)
		}
	})

	t.Run("save replaces queue", func(t *testing.T) {
		require.NoError(t, store.SaveQueue([]models.QueuedAction{
			{ID: "only", Seq: 9, Type: "update_todo", Payload: json.RawMessage(`{}`), EnqueuedAt: time.Now().UTC()},
		}))

		loaded, err := store.LoadQueue()
		require.NoError(t, err)
		require.Len(t, loaded, 1)
		assert.Equal(t, "only", loaded[0].ID)
	})

	t.Run("failed round trip", func(t *testing.T) {
		failedAt := time.Now().UTC().Truncate(time.Second)
		failed := []models.FailedAction{
			{
				QueuedAction: models.QueuedAction{
					ID: "f1", Seq: 4, Type: "create_invoice",
					Payload: json.RawMessage(`{"amount":1}`),
					Retries: 3, Error: "server error 500",
					EnqueuedAt: failedAt,
				},
				FailedAt: failedAt,
			},
		}

		require.NoError(t, store.SaveFailed(failed))

		loaded, err := store.LoadFailed()
		require.NoError(t, err)
		require.Len(t, loaded, 1)
		assert.Equal(t, "f1", loaded[0].ID)
		assert.Equal(t, 3, loaded[0].Retries)
		assert.Equal(t, "server error 500", loaded[0].Error)
		assert.Equal(t, failedAt.Unix(), loaded[0].FailedAt.Unix())
	})

	t.Run("session round trip", func(t *testing.T) {
		session := &models.Session{
			AccessToken:  "access-abc",
			RefreshToken: "refresh-def",
			Email:        "user@example.com",
		}

		require.NoError(t, store.SaveSession(session))

		loaded, err := store.LoadSession()
		require.NoError(t, err)
		assert.Equal(t, session.AccessToken, loaded.AccessToken)
		assert.Equal(t, session.RefreshToken, loaded.RefreshToken)
		assert.Equal(t, session.Email, loaded.Email)
	})

	t.Run("session replace", func(t *testing.T) {
		require.NoError(t, store.SaveSession(&models.Session{
			AccessToken:  "access-new",
			RefreshToken: "refresh-new",
		}))

		loaded, err := store.LoadSession()
		require.NoError(t, err)
		assert.Equal(t, "access-new", loaded.AccessToken)
	})

	t.Run("clear session", func(t *testing.T) {
		require.NoError(t, store.ClearSession())

		_, err := store.LoadSession()
		assert.ErrorIs(t, err, state.ErrNotFound)
	})
}

func TestJSONStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := state.NewJSONStore(dir, newTestLogger())
	require.NoError(t, err)

	require.NoError(t, store.SaveQueue([]models.QueuedAction{
		{ID: "persisted", Seq: 1, Type: "update_todo", Payload: json.RawMessage(`{}`), EnqueuedAt: time.Now().UTC()},
	}))
	require.NoError(t, store.Close())

	reopened, err := state.NewJSONStore(dir, newTestLogger())
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.LoadQueue()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "persisted", loaded[0].ID)
}

func TestJSONStoreCorruptionFallback(t *testing.T) {
	dir := t.TempDir()

	store, err := state.NewJSONStore(dir, newTestLogger())
	require.NoError(t, err)
	defer store.Close()

	// Two saves so a backup exists, then corrupt the primary
	require.NoError(t, store.SaveQueue([]models.QueuedAction{
		{ID: "old", Seq: 1, Type: "update_todo", Payload: json.RawMessage(`{}`), EnqueuedAt: time.Now().UTC()},
	}))
	require.NoError(t, store.SaveQueue([]models.QueuedAction{
		{ID: "old", Seq: 1, Type: "update_todo", Payload: json.RawMessage(`{}`), EnqueuedAt: time.Now().UTC()},
		{ID: "new", Seq: 2, Type: "create_invoice", Payload: json.RawMessage(`{}`), EnqueuedAt: time.Now().UTC()},
	}))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "queue.json"), []byte("{garbage"), 0600))

	loaded, err := store.LoadQueue()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "old", loaded[0].ID)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "synckit.db")

	store, err := state.NewSQLiteStore(dbPath, newTestLogger())
	require.NoError(t, err)

	require.NoError(t, store.SaveSession(&models.Session{
		AccessToken:  "access",
		RefreshToken: "refresh",
	}))
	require.NoError(t, store.Close())

	reopened, err := state.NewSQLiteStore(dbPath, newTestLogger())
	require.NoError(t, err)
	defer reopened.Close()

	session, err := reopened.LoadSession()
	require.NoError(t, err)
	assert.Equal(t, "refresh", session.RefreshToken)
}
