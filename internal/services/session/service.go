// Package session manages the token pair lifecycle: sign-in, proactive
// refresh ahead of expiry, reactive refresh when the backend rejects a
// token, and terminal logout when the refresh token itself is rejected.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/opsdeck/synckit/internal/events"
	"github.com/opsdeck/synckit/internal/models"
	"github.com/opsdeck/synckit/internal/state"
	"github.com/opsdeck/synckit/internal/transport"
)

// State is the lifecycle phase of the current session.
type State string

const (
	// StateUnauthenticated means no session has ever been established.
	StateUnauthenticated State = "unauthenticated"

	// StateAuthenticating means a stored session is being validated.
	StateAuthenticating State = "authenticating"

	// StateAuthenticated means the access token is believed valid.
	StateAuthenticated State = "authenticated"

	// StateRefreshing means a refresh call is in flight.
	StateRefreshing State = "refreshing"

	// StateLoggedOut is terminal. Entered when the refresh token is
	// rejected or Logout is called; only a new Login leaves it.
	StateLoggedOut State = "logged_out"
)

const (
	signinPath   = "/api/v1/auth/signin"
	refreshPath  = "/api/v1/auth/refresh"
	validatePath = "/api/v1/auth/validate"
	signoutPath  = "/api/v1/auth/signout"

	// refreshTimeout bounds the proactive refresh triggered by the
	// expiry timer, which has no caller context to inherit.
	refreshTimeout = 30 * time.Second
)

// refreshCall is a single-flight handle. Every caller that wants a
// refresh while one is already running waits on done and shares err.
type refreshCall struct {
	done chan struct{}
	err  error
}

// Service owns the session token pair. All transitions happen under
// one mutex; the refresh HTTP call itself runs outside the lock so
// concurrent callers can join it instead of queueing behind it.
type Service struct {
	transport    transport.Transport
	store        state.Store
	clk          clock.Clock
	refreshAhead time.Duration
	logger       *events.Logger

	mu       sync.Mutex
	state    State
	session  *models.Session
	timer    *clock.Timer
	inflight *refreshCall
}

// NewService creates a session service. The clock is injected so tests
// can drive the proactive refresh timer deterministically.
func NewService(tr transport.Transport, store state.Store, clk clock.Clock, refreshAhead time.Duration, logger *events.Logger) *Service {
	return &Service{
		transport:    tr,
		store:        store,
		clk:          clk,
		refreshAhead: refreshAhead,
		logger:       logger.WithField("component", "session"),
		state:        StateUnauthenticated,
	}
}

// Start loads any persisted session and validates it against the
// backend. A stale access token is refreshed in place; a rejected
// refresh token ends in StateLoggedOut. Network failure during
// validation keeps the stored session, since the queue can still
// accept writes offline.
func (s *Service) Start(ctx context.Context) error {
	stored, err := s.store.LoadSession()
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load session: %w", err)
	}

	s.mu.Lock()
	s.state = StateAuthenticating
	s.session = stored
	s.mu.Unlock()
	s.transport.SetToken(stored.AccessToken)

	err = s.transport.PostJSON(ctx, validatePath, nil, nil)
	if err == nil {
		s.mu.Lock()
		s.state = StateAuthenticated
		s.scheduleLocked()
		s.mu.Unlock()
		s.logger.WithField("email", stored.Email).Info("Session validated")
		return nil
	}

	switch models.ClassifyError(err) {
	case models.KindAuthInvalid:
		s.logger.Debug("Stored access token rejected, refreshing")
		s.mu.Lock()
		s.state = StateAuthenticated
		s.mu.Unlock()
		if err := s.EnsureFresh(ctx); err != nil {
			return err
		}
		return nil
	case models.KindNetworkUnavailable:
		s.logger.Warn("Backend unreachable, keeping stored session")
		s.mu.Lock()
		s.state = StateAuthenticated
		s.scheduleLocked()
		s.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("validate session: %w", err)
	}
}

// Login exchanges credentials for a token pair and persists it.
func (s *Service) Login(ctx context.Context, email, password string) error {
	payload := map[string]string{
		"email":    email,
		"password": password,
	}

	var pair models.TokenPair
	if err := s.transport.PostJSON(ctx, signinPath, payload, &pair); err != nil {
		return fmt.Errorf("sign in: %w", err)
	}

	session := &models.Session{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		Email:        email,
	}
	if err := s.store.SaveSession(session); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}

	s.transport.SetToken(pair.AccessToken)

	s.mu.Lock()
	s.session = session
	s.state = StateAuthenticated
	s.scheduleLocked()
	s.mu.Unlock()

	s.logger.WithField("email", email).Info("Signed in")
	return nil
}

// Logout tells the backend to revoke the refresh token (best effort),
// clears persisted state and enters the terminal StateLoggedOut.
func (s *Service) Logout(ctx context.Context) error {
	s.mu.Lock()
	hadSession := s.session != nil
	s.mu.Unlock()

	if hadSession {
		if err := s.transport.PostJSON(ctx, signoutPath, nil, nil); err != nil {
			s.logger.WithError(err).Debug("Sign-out call failed")
		}
	}

	s.terminate()
	s.logger.Info("Signed out")
	return nil
}

// EnsureFresh forces a refresh of the access token. Concurrent callers
// join the in-flight refresh instead of issuing their own; all of them
// see the same result. Called both by the proactive expiry timer and
// reactively when a queued write comes back auth_invalid.
func (s *Service) EnsureFresh(ctx context.Context) error {
	s.mu.Lock()
	if call := s.inflight; call != nil {
		s.mu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	switch s.state {
	case StateLoggedOut:
		s.mu.Unlock()
		return models.ErrSessionExpired
	case StateUnauthenticated:
		s.mu.Unlock()
		return models.ErrNotAuthenticated
	}

	call := &refreshCall{done: make(chan struct{})}
	s.inflight = call
	s.state = StateRefreshing
	refreshToken := s.session.RefreshToken
	s.mu.Unlock()

	call.err = s.refresh(ctx, refreshToken)

	s.mu.Lock()
	s.inflight = nil
	s.mu.Unlock()
	close(call.done)

	return call.err
}

// refresh performs the token exchange and settles the resulting state.
func (s *Service) refresh(ctx context.Context, refreshToken string) error {
	payload := map[string]string{"refresh_token": refreshToken}

	var pair models.TokenPair
	err := s.transport.PostJSON(ctx, refreshPath, payload, &pair)
	if err == nil {
		return s.adoptPair(pair)
	}

	// A failed refresh is terminal no matter the cause. The refresh
	// token is single use, so a call that may or may not have reached
	// the backend cannot be retried safely; the user signs in again.
	s.logger.WithError(err).Warn("Token refresh failed, signing out")
	s.terminate()
	return models.ErrSessionExpired
}

// adoptPair installs a fresh token pair and reschedules the timer.
func (s *Service) adoptPair(pair models.TokenPair) error {
	s.mu.Lock()
	if s.session == nil {
		s.mu.Unlock()
		return models.ErrNotAuthenticated
	}
	session := &models.Session{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		Email:        s.session.Email,
	}
	s.session = session
	s.state = StateAuthenticated
	s.scheduleLocked()
	s.mu.Unlock()

	s.transport.SetToken(pair.AccessToken)

	if err := s.store.SaveSession(session); err != nil {
		return fmt.Errorf("persist refreshed session: %w", err)
	}

	s.logger.Debug("Access token refreshed")
	return nil
}

// terminate enters the terminal logged-out state.
func (s *Service) terminate() {
	s.mu.Lock()
	s.state = StateLoggedOut
	s.session = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	s.transport.SetToken("")
	if err := s.store.ClearSession(); err != nil {
		s.logger.WithError(err).Warn("Failed to clear stored session")
	}
}

// scheduleLocked arms the proactive refresh timer at expiry minus the
// configured lead. An already-due token fires immediately. Caller
// holds s.mu.
func (s *Service) scheduleLocked() {
	if s.session == nil {
		return
	}
	expiry, err := s.session.ExpiresAt()
	if err != nil {
		s.logger.WithError(err).Warn("Cannot schedule refresh")
		return
	}

	delay := expiry.Sub(s.clk.Now()) - s.refreshAhead
	if delay < 0 {
		delay = 0
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = s.clk.AfterFunc(delay, s.timerFired)
}

// timerFired runs the proactive refresh. It has no caller to join, so
// concurrent reactive refreshes piggyback on it via the single-flight
// handle instead.
func (s *Service) timerFired() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	if err := s.EnsureFresh(ctx); err != nil {
		s.logger.WithError(err).Debug("Proactive refresh failed")
	}
}

// State returns the current lifecycle phase.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AccessToken returns the current access token, or empty when there is
// no session.
func (s *Service) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return ""
	}
	return s.session.AccessToken
}

// Session returns a copy of the current session, or nil.
func (s *Service) Session() *models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	copied := *s.session
	return &copied
}
