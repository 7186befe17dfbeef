package state

import (
	"errors"

	"github.com/opsdeck/synckit/internal/models"
)

// Store persists the resilience layer's three documents: the pending
// write queue, the failed-action quarantine, and the session token
// pair. All three survive a process restart and are loaded eagerly at
// startup.
type Store interface {
	// LoadQueue retrieves all pending actions in Seq order.
	LoadQueue() ([]models.QueuedAction, error)

	// SaveQueue replaces the persisted pending queue.
	SaveQueue(actions []models.QueuedAction) error

	// LoadFailed retrieves all quarantined actions.
	LoadFailed() ([]models.FailedAction, error)

	// SaveFailed replaces the persisted quarantine.
	SaveFailed(actions []models.FailedAction) error

	// LoadSession retrieves the stored session, or ErrNotFound.
	LoadSession() (*models.Session, error)

	// SaveSession persists the session token pair.
	SaveSession(session *models.Session) error

	// ClearSession removes the stored session.
	ClearSession() error

	// Close releases resources.
	Close() error
}

// Errors
var (
	ErrNotFound = errors.New("state not found")
	ErrCorrupt  = errors.New("state file is corrupt")
)

// CurrentSchemaVersion for migrations.
const CurrentSchemaVersion = 1
