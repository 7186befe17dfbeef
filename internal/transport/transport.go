package transport

import (
	"context"
	"encoding/json"

	"github.com/opsdeck/synckit/internal/config"
	"github.com/opsdeck/synckit/internal/events"
)

// Transport is the backend collaborator. The resilience layer never
// sees HTTP details; it gets either a raw result or an error whose
// classification it can branch on.
type Transport interface {
	// Call replays a mutating action against the backend. The payload
	// is forwarded exactly as the original caller provided it.
	Call(ctx context.Context, actionType string, payload json.RawMessage) (json.RawMessage, error)

	// PostJSON sends a JSON request to an API path and decodes the
	// response into result (which may be nil).
	PostJSON(ctx context.Context, path string, payload, result interface{}) error

	// Authentication
	SetToken(token string)
	GetToken() string

	// Lifecycle
	Close() error
}

// DefaultTransport implements the Transport interface over HTTP.
type DefaultTransport struct {
	httpClient *HTTPClient
}

// NewTransport creates a transport instance.
func NewTransport(cfg *config.APIConfig, logger *events.Logger) Transport {
	return &DefaultTransport{
		httpClient: NewHTTPClient(cfg, logger),
	}
}

// Call forwards to the HTTP client.
func (t *DefaultTransport) Call(ctx context.Context, actionType string, payload json.RawMessage) (json.RawMessage, error) {
	return t.httpClient.Call(ctx, actionType, payload)
}

// PostJSON forwards to the HTTP client.
func (t *DefaultTransport) PostJSON(ctx context.Context, path string, payload, result interface{}) error {
	return t.httpClient.PostJSON(ctx, path, payload, result)
}

// SetToken sets the auth token.
func (t *DefaultTransport) SetToken(token string) {
	t.httpClient.SetToken(token)
}

// GetToken returns the current auth token.
func (t *DefaultTransport) GetToken() string {
	return t.httpClient.GetToken()
}

// Close releases client resources.
func (t *DefaultTransport) Close() error {
	return nil
}
