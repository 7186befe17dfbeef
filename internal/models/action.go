package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MaxRetries is the per-action retry budget. A retryable replay failure
// increments the count; reaching the budget moves the action to the
// failed store.
const MaxRetries = 3

// QueuedAction is a mutating operation that has not been acknowledged
// by the backend yet. The payload is stored exactly as the original
// caller provided it and is opaque to the queue.
type QueuedAction struct {
	ID         string          `json:"id"`
	Seq        int64           `json:"seq"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Retries    int             `json:"retries"`
	Error      string          `json:"error,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewQueuedAction creates an action with a fresh ID. Seq is assigned by
// the queue under its lock so that replay order matches enqueue order.
func NewQueuedAction(actionType string, payload json.RawMessage) QueuedAction {
	return QueuedAction{
		ID:         uuid.NewString(),
		Type:       actionType,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
}

// FailedAction is a quarantined action that exhausted its retry budget
// or failed validation. It only leaves the failed store by explicit
// user retry or discard.
type FailedAction struct {
	QueuedAction

	FailedAt time.Time `json:"failed_at"`
}

// Summary returns a one-line description for user-facing listings.
func (f FailedAction) Summary() string {
	return f.Type + ": " + f.Error
}
