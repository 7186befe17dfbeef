// Package testutil holds helpers shared by integration tests.
package testutil

import (
	"bytes"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/opsdeck/synckit/internal/events"
)

// SigningKey signs test access tokens. Only the exp claim matters to
// the client; it never verifies signatures.
var SigningKey = []byte("test-secret")

// NewTestLogger creates a logger for testing.
func NewTestLogger() *events.Logger {
	var buf bytes.Buffer
	return events.NewTestLogger(events.DebugLevel, "json", &buf)
}

// SignedToken mints an HS256 token expiring at the given time.
func SignedToken(t *testing.T, expiry time.Time) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "test-user",
		ExpiresAt: jwt.NewNumericDate(expiry),
	})
	signed, err := token.SignedString(SigningKey)
	require.NoError(t, err)
	return signed
}
