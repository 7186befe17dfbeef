package transport

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opsdeck/synckit/internal/events"
)

// Monitor is the connectivity signal. It holds a websocket open to the
// backend's events endpoint; a live ping/pong exchange means online,
// anything else means offline. Transitions (not levels) are delivered
// on the Transitions channel: true for offline to online, false for
// the reverse.
type Monitor struct {
	url    string
	token  string
	logger *events.Logger

	pingInterval   time.Duration
	pongTimeout    time.Duration
	reconnectDelay time.Duration

	mu     sync.Mutex
	online bool

	transitions chan bool
}

// NewMonitor creates a connectivity monitor.
func NewMonitor(wsURL, token string, logger *events.Logger) *Monitor {
	if strings.HasPrefix(wsURL, "http") {
		wsURL = "ws" + wsURL[len("http"):]
	}

	return &Monitor{
		url:            wsURL,
		token:          token,
		logger:         logger.WithField("component", "connectivity_monitor"),
		pingInterval:   30 * time.Second,
		pongTimeout:    10 * time.Second,
		reconnectDelay: 5 * time.Second,
		transitions:    make(chan bool, 8),
	}
}

// Transitions returns the transition channel.
func (m *Monitor) Transitions() <-chan bool {
	return m.transitions
}

// Online reports the current connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Run maintains the connection until ctx is cancelled. It never
// returns an error: losing the backend is a state, not a failure.
func (m *Monitor) Run(ctx context.Context) {
	for {
		if err := m.connectAndWatch(ctx); err != nil {
			m.logger.WithError(err).Debug("Connectivity probe failed")
		}

		m.setOnline(false)

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.reconnectDelay):
		}
	}
}

// connectAndWatch dials once and blocks until the connection dies or
// ctx is cancelled.
func (m *Monitor) connectAndWatch(ctx context.Context) error {
	headers := http.Header{}
	if m.token != "" {
		headers.Set("Authorization", "Bearer "+m.token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, m.url, headers)
	if err != nil {
		return err
	}
	defer conn.Close()

	m.setOnline(true)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(m.pingInterval + m.pongTimeout))
	})

	// Close the socket when ctx ends so the read loop unblocks
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	// Ping loop
	go func() {
		ticker := time.NewTicker(m.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-watchDone:
				return
			case <-ticker.C:
				deadline := time.Now().Add(m.pongTimeout)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(m.pingInterval + m.pongTimeout))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
	}
}

func (m *Monitor) setOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()

	if !changed {
		return
	}

	if online {
		m.logger.Info("Connectivity restored")
	} else {
		m.logger.Warn("Connectivity lost")
	}

	select {
	case m.transitions <- online:
	default:
		// A slow consumer only needs the latest transition eventually;
		// the channel is buffered well past realistic flap rates.
	}
}
