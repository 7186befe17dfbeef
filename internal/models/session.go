package models

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session holds the current token pair. Expiry is never stored
// alongside the tokens; it is recomputed from the access token's exp
// claim every time so the two cannot drift apart.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Email        string `json:"email,omitempty"`
}

// tokenParser extracts registered claims without verifying the
// signature. Verification is the backend's job; the client only needs
// the expiry for scheduling.
var tokenParser = jwt.NewParser(jwt.WithoutClaimsValidation())

// ExpiresAt decodes the access token's exp claim.
func (s *Session) ExpiresAt() (time.Time, error) {
	if s.AccessToken == "" {
		return time.Time{}, ErrNotAuthenticated
	}

	claims := jwt.RegisteredClaims{}
	if _, _, err := tokenParser.ParseUnverified(s.AccessToken, &claims); err != nil {
		return time.Time{}, fmt.Errorf("parse access token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("access token has no exp claim")
	}

	return claims.ExpiresAt.Time, nil
}

// TokenPair is the backend's response to sign-in and refresh calls.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}
