package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/opsdeck/synckit/internal/config"
	"github.com/opsdeck/synckit/internal/events"
	"github.com/opsdeck/synckit/internal/models"
)

// HTTPClient handles HTTP communication with the API. It does not
// retry: retry policy belongs to the offline write queue, and a second
// retry layer here would multiply attempts behind the queue's back.
type HTTPClient struct {
	client    *http.Client
	baseURL   string
	userAgent string
	logger    *events.Logger

	mu    sync.RWMutex
	token string
}

// NewHTTPClient creates an HTTP client.
func NewHTTPClient(cfg *config.APIConfig, logger *events.Logger) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
		},
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	return &HTTPClient{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		baseURL:   cfg.BaseURL,
		userAgent: cfg.UserAgent,
		logger:    logger.WithField("component", "http_client"),
	}
}

// SetToken sets the authentication token.
func (c *HTTPClient) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// GetToken returns the current authentication token.
func (c *HTTPClient) GetToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Call replays a mutating action. Actions post to a per-type endpoint;
// the payload passes through untouched.
func (c *HTTPClient) Call(ctx context.Context, actionType string, payload json.RawMessage) (json.RawMessage, error) {
	path := "/api/v1/mutations/" + actionType

	c.logger.WithFields(map[string]interface{}{
		"action_type": actionType,
		"size":        len(payload),
	}).Debug("Replaying action")

	body, err := c.do(ctx, path, []byte(payload))
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// PostJSON sends a JSON request and decodes the response into result.
func (c *HTTPClient) PostJSON(ctx context.Context, path string, payload, result interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
	}

	respBody, err := c.do(ctx, path, body)
	if err != nil {
		return err
	}

	if result == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// do executes one POST and classifies the outcome into the error
// taxonomy. A call that never reached the server is network
// unavailability, never a server error.
func (c *HTTPClient) do(ctx context.Context, path string, body []byte) ([]byte, error) {
	url := c.baseURL + path

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if token := c.GetToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &models.BackendError{
			Kind:    models.KindNetworkUnavailable,
			Message: err.Error(),
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &models.BackendError{
			Kind:    models.KindNetworkUnavailable,
			Message: fmt.Sprintf("read response: %v", err),
		}
	}

	c.logger.WithFields(map[string]interface{}{
		"path":   path,
		"status": resp.StatusCode,
		"size":   len(respBody),
	}).Debug("Received response")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}

	return nil, classifyStatus(resp.StatusCode, respBody)
}

// classifyStatus maps an HTTP failure status to the error taxonomy.
func classifyStatus(status int, body []byte) *models.BackendError {
	message := string(body)

	// Prefer the server's message field when the body parses
	var apiErr struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Message != "" {
		message = apiErr.Message
	}

	kind := models.KindServerError
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = models.KindAuthInvalid
	case status == http.StatusTooManyRequests:
		kind = models.KindServerError
	case status >= 400 && status < 500:
		kind = models.KindValidationFailed
	}

	return &models.BackendError{
		Kind:       kind,
		Message:    message,
		StatusCode: status,
	}
}
