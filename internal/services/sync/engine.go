// Package sync drives replay from connectivity. It watches the
// transition feed from the connectivity monitor and drains the outbox
// whenever the client comes back online, and exposes a manual trigger
// plus a status snapshot for the CLI.
package sync

import (
	"context"
	"fmt"

	"github.com/opsdeck/synckit/internal/events"
	"github.com/opsdeck/synckit/internal/models"
	"github.com/opsdeck/synckit/internal/services/outbox"
	"github.com/opsdeck/synckit/internal/services/session"
)

// Connectivity is the slice of the monitor the engine consumes.
type Connectivity interface {
	// Transitions emits true on offline-to-online and false on
	// online-to-offline.
	Transitions() <-chan bool

	// Online reports the current belief about connectivity.
	Online() bool
}

// Engine reacts to connectivity transitions.
type Engine struct {
	queue   *outbox.Service
	session *session.Service
	conn    Connectivity
	logger  *events.Logger
}

// NewEngine wires the queue to the connectivity feed.
func NewEngine(queue *outbox.Service, sess *session.Service, conn Connectivity, logger *events.Logger) *Engine {
	return &Engine{
		queue:   queue,
		session: sess,
		conn:    conn,
		logger:  logger.WithField("component", "sync"),
	}
}

// Run consumes connectivity transitions until the context ends. Every
// offline-to-online transition triggers one drain pass.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-e.conn.Transitions():
			if !ok {
				return
			}
			if !online {
				e.logger.Info("Offline, writes will be queued")
				continue
			}

			e.logger.Info("Back online, draining queue")
			result, err := e.SyncNow(ctx)
			if err != nil {
				e.logger.WithError(err).Warn("Drain failed")
				continue
			}
			e.logResult(result)
		}
	}
}

// SyncNow runs one drain pass immediately. It refuses to replay
// without a usable session and no-ops while offline, since every
// replay would only burn the connectivity abort path.
func (e *Engine) SyncNow(ctx context.Context) (outbox.DrainResult, error) {
	switch e.session.State() {
	case session.StateAuthenticated, session.StateRefreshing:
	default:
		return outbox.DrainResult{}, models.ErrNotAuthenticated
	}

	if !e.conn.Online() {
		e.logger.Debug("Sync requested while offline")
		return outbox.DrainResult{Aborted: true}, nil
	}

	return e.queue.DrainOnce(ctx)
}

func (e *Engine) logResult(result outbox.DrainResult) {
	if result.Skipped {
		return
	}
	e.logger.WithFields(map[string]interface{}{
		"attempted": result.Attempted,
		"requeued":  len(result.Requeued),
		"aborted":   result.Aborted,
	}).Info(result.Summary())
}

// Status is a point-in-time snapshot for the status command.
type Status struct {
	Online  bool
	Session session.State
	Email   string
	Pending int
	Failed  int
}

// Status reports connectivity, session and queue depth in one snapshot.
func (e *Engine) Status() Status {
	status := Status{
		Online:  e.conn.Online(),
		Session: e.session.State(),
		Pending: e.queue.Size(),
		Failed:  len(e.queue.Failed()),
	}
	if sess := e.session.Session(); sess != nil {
		status.Email = sess.Email
	}
	return status
}

// String renders the snapshot for terminal output.
func (s Status) String() string {
	conn := "offline"
	if s.Online {
		conn = "online"
	}

	who := "not signed in"
	switch s.Session {
	case session.StateAuthenticated, session.StateRefreshing:
		who = "signed in"
		if s.Email != "" {
			who = "signed in as " + s.Email
		}
	case session.StateLoggedOut:
		who = "session expired"
	}

	return fmt.Sprintf("%s, %s; %d pending, %d failed", conn, who, s.Pending, s.Failed)
}
