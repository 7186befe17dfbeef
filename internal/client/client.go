// Package client assembles the resilience layer: store, transport,
// connectivity monitor, session manager, outbox and sync engine.
package client

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/benbjohnson/clock"

	"github.com/opsdeck/synckit/internal/config"
	"github.com/opsdeck/synckit/internal/events"
	"github.com/opsdeck/synckit/internal/services/outbox"
	"github.com/opsdeck/synckit/internal/services/session"
	"github.com/opsdeck/synckit/internal/services/sync"
	"github.com/opsdeck/synckit/internal/state"
	"github.com/opsdeck/synckit/internal/transport"
)

// Client is the high-level API for embedding the resilience layer.
type Client struct {
	Session *session.Service
	Queue   *outbox.Service
	Sync    *sync.Engine

	config    *config.Config
	logger    *events.Logger
	transport transport.Transport
	monitor   *transport.Monitor
	store     state.Store
}

// New builds a client from configuration. Nothing touches the network
// until Start.
func New(cfg *config.Config, logger *events.Logger) (*Client, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("prepare data dir: %w", err)
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	transportClient := transport.NewTransport(&cfg.API, logger)
	monitor := transport.NewMonitor(cfg.API.EventsURL, "", logger)

	sessionService := session.NewService(transportClient, store, clock.New(), cfg.Session.RefreshAhead, logger)
	queueService, err := outbox.NewService(transportClient, sessionService, store, logger)
	if err != nil {
		return nil, err
	}
	engine := sync.NewEngine(queueService, sessionService, monitor, logger)

	return &Client{
		Session:   sessionService,
		Queue:     queueService,
		Sync:      engine,
		config:    cfg,
		logger:    logger,
		transport: transportClient,
		monitor:   monitor,
		store:     store,
	}, nil
}

func openStore(cfg *config.Config, logger *events.Logger) (state.Store, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		return state.NewSQLiteStore(filepath.Join(cfg.Storage.DataDir, "synckit.db"), logger)
	default:
		return state.NewJSONStore(cfg.Storage.DataDir, logger)
	}
}

// Start restores the stored session and launches the connectivity
// monitor and the sync engine. It returns once the background loops
// are running; cancel the context to stop them.
func (c *Client) Start(ctx context.Context) error {
	if err := c.Session.Start(ctx); err != nil {
		c.logger.WithError(err).Warn("Session restore failed")
	}

	go c.monitor.Run(ctx)
	go c.Sync.Run(ctx)

	if c.config.Queue.DrainOnStart {
		go func() {
			result, err := c.Sync.SyncNow(ctx)
			if err != nil {
				c.logger.WithError(err).Debug("Startup drain skipped")
				return
			}
			if len(result.Succeeded) > 0 || len(result.Quarantined) > 0 {
				c.logger.WithFields(map[string]interface{}{
					"succeeded":   len(result.Succeeded),
					"quarantined": len(result.Quarantined),
				}).Info("Startup drain finished")
			}
		}()
	}
	return nil
}

// Close releases the transport and the store.
func (c *Client) Close() error {
	if err := c.transport.Close(); err != nil {
		return err
	}
	return c.store.Close()
}
