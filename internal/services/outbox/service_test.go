package outbox_test

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdeck/synckit/internal/events"
	"github.com/opsdeck/synckit/internal/models"
	"github.com/opsdeck/synckit/internal/services/outbox"
	"github.com/opsdeck/synckit/internal/state"
	"github.com/opsdeck/synckit/internal/transport"
)

func newTestLogger() *events.Logger {
	var buf bytes.Buffer
	return events.NewTestLogger(events.DebugLevel, "json", &buf)
}

// stubRefresher counts refreshes and returns a scripted error.
type stubRefresher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *stubRefresher) EnsureFresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.err
}

func (r *stubRefresher) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fixture struct {
	svc       *outbox.Service
	mock      *transport.MockTransport
	store     *state.MemStore
	refresher *stubRefresher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mock := transport.NewMockTransport()
	store := state.NewMemStore()
	refresher := &stubRefresher{}
	svc, err := outbox.NewService(mock, refresher, store, newTestLogger())
	require.NoError(t, err)
	return &fixture{svc: svc, mock: mock, store: store, refresher: refresher}
}

func serverError() error {
	return &models.BackendError{Kind: models.KindServerError, StatusCode: 503, Message: "upstream timeout"}
}

func networkError() error {
	return &models.BackendError{Kind: models.KindNetworkUnavailable, Message: "connection refused"}
}

func authError() error {
	return &models.BackendError{Kind: models.KindAuthInvalid, StatusCode: 401, Message: "token expired"}
}

func validationError() error {
	return &models.BackendError{Kind: models.KindValidationFailed, StatusCode: 422, Message: "title is required"}
}

func payload(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestEnqueuePersistsInOrder(t *testing.T) {
	f := newFixture(t)

	first := f.svc.Enqueue("create_note", payload(t, map[string]string{"title": "a"}))
	second := f.svc.Enqueue("update_note", payload(t, map[string]string{"title": "b"}))

	assert.Equal(t, 2, f.svc.Size())
	assert.Less(t, first.Seq, second.Seq)
	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)

	stored, err := f.store.LoadQueue()
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, first.ID, stored[0].ID)
	assert.Equal(t, second.ID, stored[1].ID)
}

func TestEnqueueSurvivesPersistFailure(t *testing.T) {
	f := newFixture(t)
	f.store.SaveQueueErr = assert.AnError

	action := f.svc.Enqueue("create_note", payload(t, map[string]string{"title": "a"}))
	assert.NotEmpty(t, action.ID)

	// The entry stays in memory even though the save failed.
	assert.Equal(t, 1, f.svc.Size())
}

func TestDrainReplaysInEnqueueOrder(t *testing.T) {
	f := newFixture(t)
	f.svc.Enqueue("create_note", payload(t, map[string]string{"title": "a"}))
	f.svc.Enqueue("update_note", payload(t, map[string]string{"title": "b"}))
	f.svc.Enqueue("delete_note", payload(t, map[string]string{"id": "n1"}))

	result, err := f.svc.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Attempted)
	assert.Len(t, result.Succeeded, 3)
	assert.False(t, result.Aborted)
	assert.Equal(t, "3 synced, 0 need attention", result.Summary())
	assert.Equal(t, 0, f.svc.Size())

	require.Len(t, f.mock.CallLog, 3)
	assert.Equal(t, "create_note", f.mock.CallLog[0].Type)
	assert.Equal(t, "update_note", f.mock.CallLog[1].Type)
	assert.Equal(t, "delete_note", f.mock.CallLog[2].Type)

	stored, err := f.store.LoadQueue()
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestDrainQuarantinesAfterRetryBudget(t *testing.T) {
	f := newFixture(t)
	action := f.svc.Enqueue("update_note", payload(t, map[string]string{"title": "b"}))
	f.mock.Script("update_note", serverError(), serverError(), serverError())

	for pass := 1; pass <= 2; pass++ {
		result, err := f.svc.DrainOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{action.ID}, result.Requeued, "pass %d", pass)
		assert.Equal(t, pass, f.svc.Pending()[0].Retries, "pass %d", pass)
	}

	result, err := f.svc.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{action.ID}, result.Quarantined)
	assert.Equal(t, 0, f.svc.Size())

	failed := f.svc.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, action.ID, failed[0].ID)
	assert.Equal(t, models.MaxRetries, failed[0].Retries)
	assert.Contains(t, failed[0].Error, "upstream timeout")
	assert.False(t, failed[0].FailedAt.IsZero())

	stored, err := f.store.LoadFailed()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, action.ID, stored[0].ID)
}

func TestDrainQuarantinesValidationFailureImmediately(t *testing.T) {
	f := newFixture(t)
	action := f.svc.Enqueue("create_note", payload(t, map[string]string{}))
	f.mock.Script("create_note", validationError())

	result, err := f.svc.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{action.ID}, result.Quarantined)
	assert.Equal(t, 1, f.mock.Calls("create_note"))

	failed := f.svc.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, action.ID, failed[0].ID)
	assert.Equal(t, 0, failed[0].Retries)
	assert.Contains(t, failed[0].Error, "title is required")
}

func TestDrainStopsWhenNetworkDrops(t *testing.T) {
	f := newFixture(t)
	f.svc.Enqueue("create_note", payload(t, map[string]string{"title": "a"}))
	f.svc.Enqueue("update_note", payload(t, map[string]string{"title": "b"}))
	f.mock.Script("create_note", networkError())

	result, err := f.svc.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Aborted)
	assert.Equal(t, 1, result.Attempted)
	assert.Equal(t, 0, f.mock.Calls("update_note"))

	// A connectivity failure does not consume retry budget.
	pending := f.svc.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, 0, pending[0].Retries)
}

func TestDrainRefreshesTokenAndRetries(t *testing.T) {
	f := newFixture(t)
	f.svc.Enqueue("update_note", payload(t, map[string]string{"title": "b"}))
	f.mock.Script("update_note", authError(), nil)

	result, err := f.svc.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, result.Succeeded, 1)
	assert.Equal(t, 1, f.refresher.Calls())
	assert.Equal(t, 2, f.mock.Calls("update_note"))
	assert.Equal(t, 0, f.svc.Size())
}

func TestDrainStopsWhenRefreshFails(t *testing.T) {
	f := newFixture(t)
	f.svc.Enqueue("update_note", payload(t, map[string]string{"title": "b"}))
	f.mock.Script("update_note", authError())
	f.refresher.err = models.ErrSessionExpired

	result, err := f.svc.DrainOnce(context.Background())
	require.Error(t, err)
	assert.True(t, result.Aborted)

	// The action is untouched and waits for a new sign-in.
	pending := f.svc.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].Retries)
}

func TestDrainStopsWhenTokenStillRejected(t *testing.T) {
	f := newFixture(t)
	f.svc.Enqueue("update_note", payload(t, map[string]string{"title": "b"}))
	f.mock.Script("update_note", authError(), authError())

	result, err := f.svc.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Aborted)
	assert.Equal(t, 1, f.refresher.Calls())
	assert.Equal(t, 1, f.svc.Size())
}

func TestDrainSecondCallSkips(t *testing.T) {
	f := newFixture(t)
	f.svc.Enqueue("create_note", payload(t, map[string]string{"title": "a"}))

	gate := make(chan struct{})
	inCall := make(chan struct{})
	var once sync.Once
	f.mock.CallHook = func(string) {
		once.Do(func() { close(inCall) })
		<-gate
	}

	done := make(chan outbox.DrainResult, 1)
	go func() {
		result, _ := f.svc.DrainOnce(context.Background())
		done <- result
	}()

	<-inCall
	second, err := f.svc.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, "sync already running", second.Summary())

	close(gate)
	select {
	case first := <-done:
		assert.Len(t, first.Succeeded, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("first drain did not finish")
	}
}

func TestDrainHonorsContextCancellation(t *testing.T) {
	f := newFixture(t)
	f.svc.Enqueue("create_note", payload(t, map[string]string{"title": "a"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := f.svc.DrainOnce(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, result.Aborted)
	assert.Equal(t, 1, f.svc.Size())
}

func TestRetryReplaysImmediately(t *testing.T) {
	f := newFixture(t)
	action := f.svc.Enqueue("create_note", payload(t, map[string]string{}))
	f.mock.Script("create_note", validationError())

	_, err := f.svc.DrainOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, f.svc.Failed(), 1)

	outcome, err := f.svc.Retry(context.Background(), action.ID)
	require.NoError(t, err)
	assert.True(t, outcome.Delivered)
	assert.Equal(t, action.ID, outcome.Action.ID)
	assert.Greater(t, outcome.Action.Seq, action.Seq)

	assert.Equal(t, 0, f.svc.Size())
	assert.Empty(t, f.svc.Failed())
	assert.Equal(t, 2, f.mock.Calls("create_note"))
}

func TestRetryFailureStaysQueued(t *testing.T) {
	f := newFixture(t)
	action := f.svc.Enqueue("create_note", payload(t, map[string]string{}))
	f.mock.Script("create_note", validationError(), validationError())

	_, err := f.svc.DrainOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, f.svc.Failed(), 1)

	// The immediate attempt fails but does not re-quarantine; the
	// three-strikes policy restarts from the pending queue.
	outcome, err := f.svc.Retry(context.Background(), action.ID)
	require.NoError(t, err)
	assert.False(t, outcome.Delivered)
	assert.Equal(t, 1, f.svc.Size())
	assert.Empty(t, f.svc.Failed())

	pending := f.svc.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].Retries)
	assert.Contains(t, pending[0].Error, "title is required")
}

func TestRetryServerFailureCountsOneStrike(t *testing.T) {
	f := newFixture(t)
	action := f.svc.Enqueue("create_note", payload(t, map[string]string{}))
	f.mock.Script("create_note", validationError(), serverError())

	_, err := f.svc.DrainOnce(context.Background())
	require.NoError(t, err)

	outcome, err := f.svc.Retry(context.Background(), action.ID)
	require.NoError(t, err)
	assert.False(t, outcome.Delivered)

	pending := f.svc.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Retries)
}

func TestRetryUnknownAction(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Retry(context.Background(), "nope")
	assert.ErrorIs(t, err, models.ErrActionNotFound)
}

func TestDiscardRemovesPermanently(t *testing.T) {
	f := newFixture(t)
	action := f.svc.Enqueue("create_note", payload(t, map[string]string{}))
	f.mock.Script("create_note", validationError())

	_, err := f.svc.DrainOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, f.svc.Failed(), 1)

	require.NoError(t, f.svc.Discard(action.ID))
	assert.Empty(t, f.svc.Failed())
	assert.Equal(t, 0, f.svc.Size())

	// Discard then retry finds nothing.
	_, err = f.svc.Retry(context.Background(), action.ID)
	assert.ErrorIs(t, err, models.ErrActionNotFound)

	stored, err := f.store.LoadFailed()
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestNewServiceResumesSequence(t *testing.T) {
	store := state.NewMemStore()
	require.NoError(t, store.SaveQueue([]models.QueuedAction{
		{ID: "a1", Seq: 5, Type: "create_note", Payload: json.RawMessage(`{}`)},
	}))

	svc, err := outbox.NewService(transport.NewMockTransport(), &stubRefresher{}, store, newTestLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, svc.Size())

	next := svc.Enqueue("update_note", json.RawMessage(`{}`))
	assert.Equal(t, int64(6), next.Seq)
}
