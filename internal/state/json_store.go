package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/opsdeck/synckit/internal/events"
	"github.com/opsdeck/synckit/internal/models"
)

// File names under the store's base directory. One key-value entry per
// document, JSON-serialized.
const (
	queueFile   = "queue.json"
	failedFile  = "failed.json"
	sessionFile = "session.json"
)

// JSONStore implements file-based persistence. Every save writes a
// temp file, syncs, and renames so a crash mid-write never leaves a
// truncated document; the previous version is kept as a backup.
type JSONStore struct {
	baseDir string
	logger  *events.Logger

	mu sync.Mutex
}

// document wraps a persisted payload with store metadata.
type document struct {
	SchemaVersion int             `json:"schema_version"`
	SavedAt       time.Time       `json:"saved_at"`
	Data          json.RawMessage `json:"data"`
}

// NewJSONStore creates a JSON-based store rooted at baseDir.
func NewJSONStore(baseDir string, logger *events.Logger) (*JSONStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	return &JSONStore{
		baseDir: baseDir,
		logger:  logger.WithField("component", "json_store"),
	}, nil
}

// LoadQueue reads the pending queue.
func (s *JSONStore) LoadQueue() ([]models.QueuedAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var actions []models.QueuedAction
	if err := s.load(queueFile, &actions); err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}

	sort.Slice(actions, func(i, j int) bool { return actions[i].Seq < actions[j].Seq })
	return actions, nil
}

// SaveQueue writes the pending queue.
func (s *JSONStore) SaveQueue(actions []models.QueuedAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.WithField("pending", len(actions)).Debug("Saving queue")
	return s.save(queueFile, actions)
}

// LoadFailed reads the quarantine.
func (s *JSONStore) LoadFailed() ([]models.FailedAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var actions []models.FailedAction
	if err := s.load(failedFile, &actions); err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return actions, nil
}

// SaveFailed writes the quarantine.
func (s *JSONStore) SaveFailed(actions []models.FailedAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.WithField("failed", len(actions)).Debug("Saving quarantine")
	return s.save(failedFile, actions)
}

// LoadSession reads the stored session.
func (s *JSONStore) LoadSession() (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var session models.Session
	if err := s.load(sessionFile, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// SaveSession writes the session with restricted permissions.
func (s *JSONStore) SaveSession(session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.save(sessionFile, session)
}

// ClearSession removes the stored session.
func (s *JSONStore) ClearSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.baseDir, sessionFile)
	_ = os.Remove(path + ".backup")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}

// Close releases resources.
func (s *JSONStore) Close() error {
	return nil
}

// load reads and unwraps a document, falling back to its backup when
// the primary copy is corrupt.
func (s *JSONStore) load(name string, out interface{}) error {
	path := filepath.Join(s.baseDir, name)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	if err := decodeDocument(data, out); err != nil {
		backup, berr := os.ReadFile(path + ".backup")
		if berr == nil && decodeDocument(backup, out) == nil {
			s.logger.WithField("file", name).Warn("Loaded state from backup due to corruption")
			return nil
		}
		return ErrCorrupt
	}

	return nil
}

func decodeDocument(data []byte, out interface{}) error {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	if doc.Data == nil {
		return fmt.Errorf("document has no data")
	}
	return json.Unmarshal(doc.Data, out)
}

// save wraps the payload in a document and writes it atomically.
func (s *JSONStore) save(name string, in interface{}) error {
	path := filepath.Join(s.baseDir, name)

	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	doc := document{
		SchemaVersion: CurrentSchemaVersion,
		SavedAt:       time.Now().UTC(),
		Data:          payload,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	// Keep the previous version as a backup
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+".backup"); err != nil {
			s.logger.WithError(err).Warn("Failed to create backup")
		}
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if file, err := os.Open(tmpPath); err == nil {
		_ = file.Sync()
		file.Close()
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename state file: %w", err)
	}

	return nil
}
