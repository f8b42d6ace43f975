// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ledgersync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrServiceClosed is returned by every operation after Close
var ErrServiceClosed = errors.New("sync service has been closed")

// PayloadValidator checks a decoded JSON object payload for an entity type.
// It runs for create and update operations only.
type PayloadValidator func(payload map[string]any) error

// RegisteredEntity is an entity type accepted by push and pull
type RegisteredEntity struct {
	Type     string
	Validate PayloadValidator // optional
}

// SyncService provides the server side of the ledger synchronization protocol
type SyncService struct {
	pool     *pgxpool.Pool
	logger   *slog.Logger
	config   *ServiceConfig
	resolver ConflictResolver
	entities map[string]RegisteredEntity

	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the sync service
type ServiceConfig struct {
	AppName            string             // Application name for connection tracking
	RegisteredEntities []RegisteredEntity // Entity types allowed in sync operations (required)

	MaxPushBatchSize int // Maximum number of operations in a single push (0 = unlimited)
	MaxPayloadBytes  int // Maximum JSON payload size per operation in bytes (0 = unlimited)

	MaxTxRetries   int           // Whole-batch retries on serialization/deadlock/lock timeout
	TxRetryBackoff time.Duration // Base delay between batch retries
	LockTimeout    time.Duration // SET LOCAL lock_timeout for push transactions (0 = server default)

	ConflictResolver ConflictResolver // Defaults to ServerWinsPolicy

	StageMetrics    StageMetricsRecorder
	LogStageTimings bool

	Clock func() time.Time // Defaults to time.Now
}

// DefaultRegisteredEntities registers the ledger entity types without payload validators
func DefaultRegisteredEntities() []RegisteredEntity {
	return []RegisteredEntity{
		{Type: EntitySupplier},
		{Type: EntityProduct},
		{Type: EntityRate},
		{Type: EntityCollection},
		{Type: EntityPayment},
	}
}

// DefaultServiceConfig returns a configuration for the ledger entity types
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		AppName:            "go-ledgersync-app",
		RegisteredEntities: DefaultRegisteredEntities(),
		MaxPushBatchSize:   500,
		MaxPayloadBytes:    64 * 1024,
		MaxTxRetries:       3,
		TxRetryBackoff:     50 * time.Millisecond,
		LockTimeout:        3 * time.Second,
	}
}

// NewSyncService creates a new sync service instance from an existing pool and
// bootstraps the sync schema.
func NewSyncService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	service, err := newSyncService(pool, config, logger)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if err := service.initializeSchemaInTx(ctx, tx); err != nil {
			service.logger.Error("Failed to initialize database schema", "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sync service: %w", err)
	}
	service.logger.Debug("Database schema initialized successfully")

	return service, nil
}

// newSyncService builds the service without touching the database
func newSyncService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	if config == nil {
		config = DefaultServiceConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if len(config.RegisteredEntities) == 0 {
		return nil, errors.New("at least one registered entity type is required")
	}

	service := &SyncService{
		pool:     pool,
		logger:   logger,
		config:   config,
		resolver: config.ConflictResolver,
		entities: make(map[string]RegisteredEntity, len(config.RegisteredEntities)),
	}
	if service.resolver == nil {
		service.resolver = ServerWinsPolicy{}
	}

	for _, e := range config.RegisteredEntities {
		key := strings.ToLower(strings.TrimSpace(e.Type))
		if !isValidEntityTypeName(key) {
			return nil, fmt.Errorf("invalid entity type name %q", e.Type)
		}
		e.Type = key
		service.entities[key] = e
		logger.Debug("Registered entity type", "entity_type", key, "validator", e.Validate != nil)
	}

	return service, nil
}

// Close marks the service closed. It does NOT close the pool.
func (s *SyncService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Debug("Sync service shutdown complete")
	return nil
}

// Pool returns the underlying database connection pool
func (s *SyncService) Pool() *pgxpool.Pool {
	return s.pool
}

// IsEntityRegistered checks if an entity type is accepted for sync
func (s *SyncService) IsEntityRegistered(entityType string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entities[entityType]
	return ok
}

// EntityTypes returns the registered entity types in sorted order
func (s *SyncService) EntityTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entities))
	for k := range s.entities {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ResolverName returns the name of the configured automatic conflict policy
func (s *SyncService) ResolverName() string {
	return s.resolver.Name()
}

// checkClosed returns an error if the service has been closed
func (s *SyncService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrServiceClosed
	}
	return nil
}

// now returns the service clock truncated to what TIMESTAMPTZ stores
func (s *SyncService) now() time.Time {
	clock := time.Now
	if s.config != nil && s.config.Clock != nil {
		clock = s.config.Clock
	}
	return clock().UTC().Truncate(time.Microsecond)
}
