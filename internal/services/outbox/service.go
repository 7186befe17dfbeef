// Package outbox implements the durable write queue. Mutating actions
// are appended while offline and replayed in enqueue order when
// connectivity returns. Actions that exhaust their retry budget, or
// that the backend rejects outright, move to a quarantine store that
// only an explicit user retry or discard empties.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/opsdeck/synckit/internal/events"
	"github.com/opsdeck/synckit/internal/models"
	"github.com/opsdeck/synckit/internal/state"
	"github.com/opsdeck/synckit/internal/transport"
)

// TokenRefresher is the slice of the session service the queue needs:
// when a replay comes back auth_invalid the queue asks for a fresh
// token and retries the action once.
type TokenRefresher interface {
	EnsureFresh(ctx context.Context) error
}

// DrainResult reports the outcome of one replay pass, by action ID.
type DrainResult struct {
	Attempted   int
	Succeeded   []string
	Requeued    []string
	Quarantined []string

	// Skipped means another drain pass was already running.
	Skipped bool

	// Aborted means the pass stopped early, either because the network
	// dropped or because the session could not be refreshed. Remaining
	// actions keep their retry counts.
	Aborted bool
}

// Summary renders the user-facing one-line result.
func (r DrainResult) Summary() string {
	if r.Skipped {
		return "sync already running"
	}
	return fmt.Sprintf("%d synced, %d need attention", len(r.Succeeded), len(r.Quarantined))
}

// Service owns the pending queue and the failed-action quarantine. Both
// are held in memory and written through to the store on every change,
// so a crash at any point loses at most the action being handed over.
type Service struct {
	transport transport.Transport
	session   TokenRefresher
	store     state.Store
	logger    *events.Logger

	mu       sync.Mutex
	queue    []models.QueuedAction
	failed   []models.FailedAction
	nextSeq  int64
	draining bool
}

// NewService loads both stores and returns a ready queue.
func NewService(tr transport.Transport, session TokenRefresher, store state.Store, logger *events.Logger) (*Service, error) {
	queue, err := store.LoadQueue()
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	failed, err := store.LoadFailed()
	if err != nil {
		return nil, fmt.Errorf("load failed actions: %w", err)
	}

	var nextSeq int64 = 1
	for _, a := range queue {
		if a.Seq >= nextSeq {
			nextSeq = a.Seq + 1
		}
	}
	for _, f := range failed {
		if f.Seq >= nextSeq {
			nextSeq = f.Seq + 1
		}
	}

	return &Service{
		transport: tr,
		session:   session,
		store:     store,
		logger:    logger.WithField("component", "outbox"),
		queue:     queue,
		failed:    failed,
		nextSeq:   nextSeq,
	}, nil
}

// Enqueue appends an action and persists the queue. It never fails the
// caller: a persistence error is logged and the entry stays in the
// in-memory queue, so the write is only lost if the process dies before
// the next successful save.
func (s *Service) Enqueue(actionType string, payload json.RawMessage) models.QueuedAction {
	action := models.NewQueuedAction(actionType, payload)

	s.mu.Lock()
	defer s.mu.Unlock()

	action.Seq = s.nextSeq
	s.nextSeq++
	s.queue = append(s.queue, action)

	if err := s.persistQueueLocked(); err != nil {
		s.logger.WithError(err).Warn("Failed to persist queue")
	}

	s.logger.WithFields(map[string]interface{}{
		"action_id": action.ID,
		"type":      action.Type,
		"seq":       action.Seq,
	}).Debug("Action enqueued")
	return action
}

// DrainOnce replays pending actions in enqueue order. At most one pass
// runs at a time; a second caller gets Skipped instead of blocking.
// Actions enqueued while a pass runs wait for the next pass.
func (s *Service) DrainOnce(ctx context.Context) (DrainResult, error) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return DrainResult{Skipped: true}, nil
	}
	s.draining = true
	snapshot := make([]models.QueuedAction, len(s.queue))
	copy(snapshot, s.queue)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.draining = false
		s.mu.Unlock()
	}()

	var result DrainResult
	for _, action := range snapshot {
		if err := ctx.Err(); err != nil {
			result.Aborted = true
			return result, err
		}

		result.Attempted++
		if done, err := s.replay(ctx, action, &result); done {
			return result, err
		}
	}
	return result, nil
}

// replay attempts one action and settles its outcome. It returns
// done=true when the pass must stop.
func (s *Service) replay(ctx context.Context, action models.QueuedAction, result *DrainResult) (bool, error) {
	log := s.logger.WithFields(map[string]interface{}{
		"action_id": action.ID,
		"type":      action.Type,
	})

	_, err := s.transport.Call(ctx, action.Type, action.Payload)
	if err != nil && models.ClassifyError(err) == models.KindAuthInvalid {
		// Refresh the token and retry once. The retry does not consume
		// budget; the action itself did nothing wrong.
		if rerr := s.session.EnsureFresh(ctx); rerr != nil {
			log.WithError(rerr).Warn("Session refresh failed, stopping replay")
			result.Aborted = true
			return true, fmt.Errorf("refresh session: %w", rerr)
		}
		_, err = s.transport.Call(ctx, action.Type, action.Payload)
	}

	if err == nil {
		s.complete(action.ID)
		result.Succeeded = append(result.Succeeded, action.ID)
		log.Debug("Action replayed")
		return false, nil
	}

	switch models.ClassifyError(err) {
	case models.KindNetworkUnavailable:
		// Offline again. Not the action's fault, so no retry counted;
		// the whole pass stops and resumes on the next connectivity
		// transition.
		log.Debug("Network dropped mid-replay, stopping")
		result.Aborted = true
		return true, nil

	case models.KindAuthInvalid:
		// Still rejected after a refresh. The next pass starts from a
		// clean session state.
		log.Warn("Action rejected after token refresh, stopping replay")
		result.Aborted = true
		return true, nil

	case models.KindValidationFailed:
		// The payload itself is bad; retrying cannot fix it.
		log.WithError(err).Warn("Action rejected by backend, quarantining")
		s.quarantine(action, err)
		result.Quarantined = append(result.Quarantined, action.ID)
		return false, nil

	default:
		action.Retries++
		action.Error = err.Error()
		if action.Retries >= models.MaxRetries {
			log.WithError(err).WithField("retries", action.Retries).Warn("Retry budget exhausted, quarantining")
			s.quarantine(action, err)
			result.Quarantined = append(result.Quarantined, action.ID)
			return false, nil
		}
		log.WithError(err).WithField("retries", action.Retries).Debug("Replay failed, will retry")
		s.update(action)
		result.Requeued = append(result.Requeued, action.ID)
		return false, nil
	}
}

// RetryOutcome reports what happened to a retried action.
type RetryOutcome struct {
	Action models.QueuedAction

	// Delivered means the immediate replay attempt succeeded. When
	// false the action sits in the pending queue with a fresh retry
	// budget and the normal three-strikes policy applies from there.
	Delivered bool
}

// Retry moves a quarantined action back to the pending queue with a
// fresh retry budget and immediately attempts one replay, so the user
// gets instant feedback. The attempt never re-quarantines: any failure
// leaves the action queued for the next drain. The action keeps its ID
// but gets a new Seq, so in the queue it sits after everything already
// pending.
func (s *Service) Retry(ctx context.Context, id string) (RetryOutcome, error) {
	s.mu.Lock()

	idx := -1
	for i, f := range s.failed {
		if f.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return RetryOutcome{}, models.ErrActionNotFound
	}

	action := s.failed[idx].QueuedAction
	action.Retries = 0
	action.Error = ""
	action.Seq = s.nextSeq
	s.nextSeq++

	s.failed = append(s.failed[:idx], s.failed[idx+1:]...)
	s.queue = append(s.queue, action)

	if err := s.persistQueueLocked(); err != nil {
		s.logger.WithError(err).Warn("Failed to persist queue")
	}
	if err := s.persistFailedLocked(); err != nil {
		s.logger.WithError(err).Warn("Failed to persist failed actions")
	}
	s.mu.Unlock()

	s.logger.WithField("action_id", id).Info("Failed action requeued")

	err := s.attempt(ctx, action)
	if err == nil {
		s.complete(action.ID)
		return RetryOutcome{Action: action, Delivered: true}, nil
	}

	if models.ClassifyError(err) == models.KindServerError {
		action.Retries = 1
	}
	action.Error = err.Error()
	s.update(action)
	s.logger.WithError(err).WithField("action_id", id).Debug("Retry attempt failed, action stays queued")
	return RetryOutcome{Action: action}, nil
}

// attempt replays one action, refreshing the session once on an
// auth_invalid response.
func (s *Service) attempt(ctx context.Context, action models.QueuedAction) error {
	_, err := s.transport.Call(ctx, action.Type, action.Payload)
	if err != nil && models.ClassifyError(err) == models.KindAuthInvalid {
		if rerr := s.session.EnsureFresh(ctx); rerr != nil {
			return fmt.Errorf("refresh session: %w", rerr)
		}
		_, err = s.transport.Call(ctx, action.Type, action.Payload)
	}
	return err
}

// Discard permanently drops a quarantined action.
func (s *Service) Discard(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, f := range s.failed {
		if f.ID == id {
			s.failed = append(s.failed[:i], s.failed[i+1:]...)
			if err := s.persistFailedLocked(); err != nil {
				return fmt.Errorf("persist failed actions: %w", err)
			}
			s.logger.WithField("action_id", id).Info("Failed action discarded")
			return nil
		}
	}
	return models.ErrActionNotFound
}

// Size returns the number of pending actions.
func (s *Service) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Pending returns a copy of the pending queue in replay order.
func (s *Service) Pending() []models.QueuedAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.QueuedAction, len(s.queue))
	copy(out, s.queue)
	return out
}

// Failed returns a copy of the quarantine.
func (s *Service) Failed() []models.FailedAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.FailedAction, len(s.failed))
	copy(out, s.failed)
	return out
}

// complete removes a successfully replayed action.
func (s *Service) complete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeQueuedLocked(id)
	if err := s.persistQueueLocked(); err != nil {
		s.logger.WithError(err).Warn("Failed to persist queue")
	}
}

// update writes back an action's new retry count.
func (s *Service) update(action models.QueuedAction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.queue {
		if s.queue[i].ID == action.ID {
			s.queue[i] = action
			break
		}
	}
	if err := s.persistQueueLocked(); err != nil {
		s.logger.WithError(err).Warn("Failed to persist queue")
	}
}

// quarantine moves an action from the queue to the failed store.
func (s *Service) quarantine(action models.QueuedAction, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeQueuedLocked(action.ID)
	action.Error = cause.Error()
	s.failed = append(s.failed, models.FailedAction{
		QueuedAction: action,
		FailedAt:     time.Now().UTC(),
	})

	if err := s.persistQueueLocked(); err != nil {
		s.logger.WithError(err).Warn("Failed to persist queue")
	}
	if err := s.persistFailedLocked(); err != nil {
		s.logger.WithError(err).Warn("Failed to persist failed actions")
	}
}

func (s *Service) removeQueuedLocked(id string) {
	for i := range s.queue {
		if s.queue[i].ID == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

func (s *Service) persistQueueLocked() error {
	return s.store.SaveQueue(s.queue)
}

func (s *Service) persistFailedLocked() error {
	return s.store.SaveFailed(s.failed)
}
