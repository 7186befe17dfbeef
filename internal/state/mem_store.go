package state

import (
	"sync"

	"github.com/opsdeck/synckit/internal/models"
)

// MemStore is an in-memory Store for tests.
type MemStore struct {
	mu      sync.RWMutex
	queue   []models.QueuedAction
	failed  []models.FailedAction
	session *models.Session

	// Error injection
	SaveQueueErr error
}

// NewMemStore creates an in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{}
}

func (m *MemStore) LoadQueue() ([]models.QueuedAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.QueuedAction(nil), m.queue...), nil
}

func (m *MemStore) SaveQueue(actions []models.QueuedAction) error {
	if m.SaveQueueErr != nil {
		return m.SaveQueueErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append([]models.QueuedAction(nil), actions...)
	return nil
}

func (m *MemStore) LoadFailed() ([]models.FailedAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.FailedAction(nil), m.failed...), nil
}

func (m *MemStore) SaveFailed(actions []models.FailedAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append([]models.FailedAction(nil), actions...)
	return nil
}

func (m *MemStore) LoadSession() (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return nil, ErrNotFound
	}
	copy := *m.session
	return &copy, nil
}

func (m *MemStore) SaveSession(session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy := *session
	m.session = &copy
	return nil
}

func (m *MemStore) ClearSession() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = nil
	return nil
}

func (m *MemStore) Close() error {
	return nil
}
