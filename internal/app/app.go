// Package app wires the server components together and runs the HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/callboard-io/callboard/internal/api"
	"github.com/callboard-io/callboard/internal/auth"
	"github.com/callboard-io/callboard/internal/config"
	"github.com/callboard-io/callboard/internal/presence"
	"github.com/callboard-io/callboard/internal/store"
)

// App is the assembled server.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   store.Store
	gateway *presence.Gateway
	server  *api.Server
}

// New builds the application from configuration: opens the store, sets up
// the auth provider, the presence gateway and the API server.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	st, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	provider, err := auth.NewProvider(cfg.Auth, st)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("setting up auth provider: %w", err)
	}
	if err := provider.Bootstrap(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("bootstrapping auth: %w", err)
	}

	// The builtin provider also handles logins; external providers do not.
	loginProvider, _ := provider.(auth.LoginProvider)

	gw := presence.New(provider, logger, presence.Options{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		SendBuffer:      cfg.Presence.SendBuffer,
		PingInterval:    cfg.Presence.PingInterval.Duration,
		PongWait:        cfg.Presence.PongWait.Duration,
		MaxMessageBytes: cfg.Presence.MaxMessageBytes,
		MaxConnsPerUser: cfg.Presence.MaxConnsPerUser,
	})

	srv := api.NewServer(st, provider, loginProvider, gw, cfg, logger)

	a := &App{
		cfg:     cfg,
		logger:  logger.With("component", "app"),
		store:   st,
		gateway: gw,
		server:  srv,
	}
	a.logStartupWarnings()
	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled, then shuts
// down gracefully.
func (a *App) Run(ctx context.Context) error {
	a.server.StartBackgroundTasks(ctx)
	go a.auditRetentionLoop(ctx)

	httpServer := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if a.cfg.Server.TLSCert != "" && a.cfg.Server.TLSKey != "" {
			a.logger.Info("listening with TLS", "addr", a.cfg.Server.Addr)
			err = httpServer.ListenAndServeTLS(a.cfg.Server.TLSCert, a.cfg.Server.TLSKey)
		} else {
			a.logger.Warn("listening without TLS; use a reverse proxy or configure tls_cert/tls_key in production",
				"addr", a.cfg.Server.Addr)
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		a.store.Close()
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("graceful shutdown failed", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close store", "error", err)
	}
	return nil
}

// auditRetentionLoop periodically purges audit events older than the
// configured retention window.
func (a *App) auditRetentionLoop(ctx context.Context) {
	retention := a.cfg.Storage.AuditRetention.Duration
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			n, err := a.store.PurgeOldAuditEvents(ctx, cutoff)
			if err != nil {
				a.logger.Warn("audit purge failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("purged old audit events", "count", n, "cutoff", cutoff)
			}
		}
	}
}

func (a *App) logStartupWarnings() {
	if a.cfg.Auth.Provider == "" || a.cfg.Auth.Provider == "builtin" {
		if len(a.cfg.Auth.JWTSecret) < 32 {
			a.logger.Warn("jwt_secret is shorter than 32 characters; generate a stronger one with 'callboard init'")
		}
		if ia := a.cfg.Auth.InitialAdmin; ia != nil && ia.Password == "admin" {
			a.logger.Warn("initial admin password is a known default; change it immediately")
		}
	}
	for _, o := range a.cfg.Server.AllowedOrigins {
		if o == "*" {
			a.logger.Warn("allowed_origins contains a wildcard; restrict it in production")
		}
	}
}
