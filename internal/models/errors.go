package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a backend call failure. The resilience layer
// branches on this classification only, never on message text.
type ErrorKind string

const (
	// KindNetworkUnavailable means the call never reached the backend.
	// Retryable; it does not consume retry budget.
	KindNetworkUnavailable ErrorKind = "network_unavailable"

	// KindServerError is a transient backend failure. Retryable and
	// counted against the retry budget.
	KindServerError ErrorKind = "server_error"

	// KindValidationFailed means the payload was rejected. Retrying an
	// invalid payload cannot succeed, so it quarantines immediately.
	KindValidationFailed ErrorKind = "validation_failed"

	// KindAuthInvalid means the access token was rejected. Routed to
	// the session manager, not counted against the queue's budget.
	KindAuthInvalid ErrorKind = "auth_invalid"
)

// Sentinel errors
var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrSessionExpired   = errors.New("session expired, please sign in again")
	ErrActionNotFound   = errors.New("action not found")
)

// BackendError is a classified failure from the backend collaborator.
type BackendError struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code,omitempty"`
}

func (e *BackendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("backend error %d (%s): %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("backend error (%s): %s", e.Kind, e.Message)
}

// Retryable reports whether the failure may succeed on a later attempt.
func (e *BackendError) Retryable() bool {
	return e.Kind == KindNetworkUnavailable || e.Kind == KindServerError
}

// ClassifyError extracts the ErrorKind from any error returned by a
// backend call. Unclassified errors (wrapped transport failures,
// timeouts) are treated as network unavailability: the safe default is
// to keep the action queued without burning retry budget.
func ClassifyError(err error) ErrorKind {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindNetworkUnavailable
}
