// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mobiletoly/go-ledgersync/ledgersync"
)

// ServerConfig holds configuration for the server
type ServerConfig struct {
	DatabaseURL string
	JWTSecret   string
	Logger      *slog.Logger
	Service     *ledgersync.ServiceConfig // nil means ledgersync.DefaultServiceConfig
	LogRequests bool
}

// ServerComponents holds the initialized server components
type ServerComponents struct {
	Pool        *pgxpool.Pool
	SyncService *ledgersync.SyncService
	JWTAuth     *ledgersync.JWTAuth
	Handler     http.Handler
	Logger      *slog.Logger
}

// SetupServer connects to Postgres, bootstraps the sync schema and builds the
// HTTP handler. It is shared by the serve command and the integration tests.
func SetupServer(ctx context.Context, config *ServerConfig) (*ServerComponents, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	if config.DatabaseURL == "" {
		return nil, errors.New("database url is required")
	}
	if config.JWTSecret == "" {
		return nil, errors.New("jwt secret is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	logger.Info("Connected to PostgreSQL database")

	serviceConfig := config.Service
	if serviceConfig == nil {
		serviceConfig = ledgersync.DefaultServiceConfig()
	}
	syncService, err := ledgersync.NewSyncService(pool, serviceConfig, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create sync service: %w", err)
	}
	logger.Info("Sync service ready",
		"entities", syncService.EntityTypes(),
		"conflict_policy", syncService.ResolverName())

	jwtAuth := ledgersync.NewJWTAuth(config.JWTSecret)
	handlers := ledgersync.NewHTTPSyncHandlers(syncService, jwtAuth, logger)

	return &ServerComponents{
		Pool:        pool,
		SyncService: syncService,
		JWTAuth:     jwtAuth,
		Handler:     NewHandler(handlers, jwtAuth, pool.Ping, logger, config.LogRequests),
		Logger:      logger,
	}, nil
}

// Close shuts down the server components and cleans up resources
func (sc *ServerComponents) Close() {
	if sc.SyncService != nil {
		_ = sc.SyncService.Close()
	}
	if sc.Pool != nil {
		sc.Pool.Close()
	}
}

// NewHandler registers the sync and admin routes. Everything except /health
// requires a bearer token. ping may be nil.
func NewHandler(h *ledgersync.HTTPSyncHandlers, jwtAuth *ledgersync.JWTAuth, ping func(context.Context) error, logger *slog.Logger, logRequests bool) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", HandleHealth(ping))

	protected := func(fn http.HandlerFunc) http.Handler {
		return jwtAuth.Middleware(captureIdentity(fn))
	}
	mux.Handle("POST /sync/push", protected(h.HandlePush))
	mux.Handle("GET /sync/pull", protected(h.HandlePull))
	mux.Handle("GET /admin/conflicts", protected(h.HandleListConflicts))
	mux.Handle("POST /admin/conflicts/adjudicate", protected(h.HandleAdjudicateConflict))
	mux.Handle("POST /admin/conflicts/sweep", protected(h.HandleSweepConflicts))
	mux.Handle("GET /admin/audit", protected(h.HandleListAudit))
	mux.Handle("GET /admin/audit/verify", protected(h.HandleVerifyAudit))
	mux.Handle("GET /admin/devices", protected(h.HandleListDevices))

	mws := []func(http.Handler) http.Handler{RecoveryMiddleware(logger)}
	if logRequests {
		mws = append([]func(http.Handler) http.Handler{LoggingMiddleware(logger, "/health")}, mws...)
	}
	return chain(mux, mws...)
}

// HandleHealth reports liveness and, when ping is set, database reachability
func HandleHealth(ping func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ping(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status": "unavailable", "service": "ledgersync"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status": "healthy", "service": "ledgersync"}`))
	}
}

// Run serves handler on addr until ctx is cancelled, then shuts down gracefully
func Run(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration, logger *slog.Logger) error {
	// Timeouts sized for large push batches
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  120 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting ledger sync server", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("Server exited")
	return nil
}
