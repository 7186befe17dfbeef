package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MockTransport provides a scriptable implementation for testing.
// Replay outcomes are scripted per action type and consumed FIFO, so a
// test can express "fail twice with a server error, then succeed".
type MockTransport struct {
	mu sync.Mutex

	// Response configuration
	PostResponses map[string]interface{}
	PostErrors    map[string]error
	CallScripts   map[string][]error // consumed FIFO; nil entry means success
	CallResults   map[string]json.RawMessage

	// PostHook and CallHook, when set, run at the top of the matching
	// method outside the mock's lock. They let a test hold a request
	// in flight.
	PostHook func(path string)
	CallHook func(actionType string)

	// Request tracking
	PostLog []PostRecord
	CallLog []CallRecord

	token string
}

// PostRecord tracks PostJSON requests.
type PostRecord struct {
	Path    string
	Payload interface{}
}

// CallRecord tracks replayed actions.
type CallRecord struct {
	Type    string
	Payload json.RawMessage
	Token   string
}

// NewMockTransport creates a mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		PostResponses: make(map[string]interface{}),
		PostErrors:    make(map[string]error),
		CallScripts:   make(map[string][]error),
		CallResults:   make(map[string]json.RawMessage),
	}
}

// Script appends replay outcomes for an action type.
func (m *MockTransport) Script(actionType string, outcomes ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallScripts[actionType] = append(m.CallScripts[actionType], outcomes...)
}

// Call mocks an action replay.
func (m *MockTransport) Call(ctx context.Context, actionType string, payload json.RawMessage) (json.RawMessage, error) {
	if m.CallHook != nil {
		m.CallHook(actionType)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, CallRecord{
		Type:    actionType,
		Payload: payload,
		Token:   m.token,
	})

	if script := m.CallScripts[actionType]; len(script) > 0 {
		outcome := script[0]
		m.CallScripts[actionType] = script[1:]
		if outcome != nil {
			return nil, outcome
		}
	}

	if result, ok := m.CallResults[actionType]; ok {
		return result, nil
	}
	return json.RawMessage(`{"ok":true}`), nil
}

// PostJSON mocks an API request.
func (m *MockTransport) PostJSON(ctx context.Context, path string, payload, result interface{}) error {
	if m.PostHook != nil {
		m.PostHook(path)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.PostLog = append(m.PostLog, PostRecord{Path: path, Payload: payload})

	if err := m.PostErrors[path]; err != nil {
		return err
	}

	resp, ok := m.PostResponses[path]
	if !ok {
		return fmt.Errorf("no mock response for %s", path)
	}

	if result == nil {
		return nil
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal mock response: %w", err)
	}
	return json.Unmarshal(data, result)
}

// SetToken sets the auth token.
func (m *MockTransport) SetToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
}

// GetToken returns the current auth token.
func (m *MockTransport) GetToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Close is a no-op.
func (m *MockTransport) Close() error {
	return nil
}

// Calls returns how many replays were attempted for an action type.
func (m *MockTransport) Calls(actionType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, rec := range m.CallLog {
		if rec.Type == actionType {
			count++
		}
	}
	return count
}

// Posts returns how many requests hit an API path.
func (m *MockTransport) Posts(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, rec := range m.PostLog {
		if rec.Path == path {
			count++
		}
	}
	return count
}
