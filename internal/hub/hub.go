// Package hub is the composition root that ties the broker, store and HTTP
// API together.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/converso-chat/converso/internal/api"
	"github.com/converso-chat/converso/internal/broker"
	"github.com/converso-chat/converso/internal/config"
	"github.com/converso-chat/converso/internal/store"
)

// Hub is the main hub process.
type Hub struct {
	cfg     *config.Config
	store   store.Store
	api     *api.Server
	logger  *slog.Logger
	touchCh chan string
}

// New creates a new hub from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	h := &Hub{
		cfg:     cfg,
		store:   db,
		logger:  logger.With("component", "hub"),
		touchCh: make(chan string, 64),
	}

	registry := broker.NewRegistry(logger, broker.RegistryOptions{
		OutboundBuffer: cfg.Session.OutboundBuffer,
		TypingBuffer:   cfg.Session.TypingBuffer,
	})
	router := broker.NewRouter(registry, logger)
	presence := broker.NewPresence(registry, cfg.Session.GraceWindow.Duration, logger)
	gateway := broker.NewGateway(registry, router, presence, logger, broker.GatewayOptions{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		MaxMessageBytes: cfg.Session.MaxMessageBytes,
		OnActivity:      h.noteActivity,
	})

	h.api = api.NewServer(db, router, gateway, cfg, logger)
	return h, nil
}

// noteActivity queues a last-activity refresh for a session. The broker's
// hot path never waits on the database; a backlog simply coalesces.
func (h *Hub) noteActivity(sessionKey string) {
	select {
	case h.touchCh <- sessionKey:
	default:
	}
}

// Run starts the hub HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    h.cfg.Server.Addr,
		Handler: h.api.Handler(),
	}

	go h.runActivityToucher(ctx)

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("hub listening", "addr", h.cfg.Server.Addr)
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down hub gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}

		h.logger.Info("closing store")
		_ = h.store.Close()
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = h.store.Close()
		return err
	}
}

// runActivityToucher drains queued session-activity refreshes into the
// store off the broker's hot path.
func (h *Hub) runActivityToucher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sessionKey := <-h.touchCh:
			if err := h.store.TouchSession(ctx, sessionKey, time.Now()); err != nil {
				h.logger.Debug("touch session failed", "session", sessionKey, "error", err)
			}
		}
	}
}
