// Package ledgerlite is the device side of ledger synchronization: a SQLite store of
// versioned records, a durable mutation log, and the sync session that pushes the log
// and pulls server deltas.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ledgerlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sync/singleflight"

	"github.com/mobiletoly/go-ledgersync/ledgersync"
)

var (
	ErrRecordNotFound    = errors.New("record not found")
	ErrOperationNotFound = errors.New("operation not found")
	ErrUnknownEntityType = errors.New("entity type not configured")
	ErrInvalidPayload    = errors.New("payload must be a JSON object")
	ErrClientClosed      = errors.New("client is closed")
)

// Client owns a device database and runs sync sessions against a Transport
type Client struct {
	DB        *sql.DB
	UserID    string
	DeviceID  string
	Transport Transport

	config   *Config
	logger   *slog.Logger
	entities map[string]bool

	writeMu  sync.Mutex // one drain/apply at a time
	sessions singleflight.Group
	paused   atomic.Bool
	started  atomic.Bool

	// A shared session runs until its last waiter leaves or the client closes.
	lifetime context.Context
	closeFn  context.CancelFunc
	sessMu   sync.Mutex
	shared   *sharedSession

	subMu   sync.Mutex
	subs    map[int]chan SyncEvent
	nextSub int
}

// Config holds configuration for the device client
type Config struct {
	EntityTypes []string // entity types this device syncs, in pull order

	PushBatchSize int           // operations per push request
	PullLimit     int           // records per pull page (server caps at 1000)
	PushTimeout   time.Duration // bound on a single push round trip
	PullTimeout   time.Duration // bound on a single pull round trip

	MaxRetries int           // failed attempts before an operation becomes failed
	BackoffMin time.Duration // first retry delay
	BackoffMax time.Duration // retry delay cap

	SyncInterval time.Duration // background session period (Start)

	Logger *slog.Logger
	Clock  func() time.Time
}

// DefaultConfig returns a configuration syncing the ledger entity types
func DefaultConfig() *Config {
	return &Config{
		EntityTypes: []string{
			ledgersync.EntitySupplier,
			ledgersync.EntityProduct,
			ledgersync.EntityRate,
			ledgersync.EntityCollection,
			ledgersync.EntityPayment,
		},
		PushBatchSize: 100,
		PullLimit:     500,
		PushTimeout:   30 * time.Second,
		PullTimeout:   30 * time.Second,
		MaxRetries:    8,
		BackoffMin:    1 * time.Second,
		BackoffMax:    60 * time.Second,
		SyncInterval:  30 * time.Second,
	}
}

// NewClient prepares the device database and returns a client for one signed-in user.
// Operations left in_flight by a previous process are returned to the queue.
func NewClient(db *sql.DB, userID, deviceID string, transport Transport, config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if userID == "" || deviceID == "" {
		return nil, errors.New("userID and deviceID are required")
	}
	if transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if len(config.EntityTypes) == 0 {
		return nil, errors.New("config.EntityTypes must not be empty")
	}
	if config.PushBatchSize <= 0 {
		config.PushBatchSize = 100
	}
	if config.PullLimit <= 0 {
		config.PullLimit = 500
	}

	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		DB:        db,
		UserID:    userID,
		DeviceID:  deviceID,
		Transport: transport,
		config:    config,
		logger:    logger.With("device_id", deviceID),
		entities:  make(map[string]bool, len(config.EntityTypes)),
		subs:      make(map[int]chan SyncEvent),
	}
	for _, et := range config.EntityTypes {
		c.entities[et] = true
	}
	c.lifetime, c.closeFn = context.WithCancel(context.Background())

	recovered, err := c.recoverInFlight(context.Background())
	if err != nil {
		return nil, err
	}
	if recovered > 0 {
		c.logger.Warn("Requeued operations left in flight", "count", recovered)
	}
	return c, nil
}

// EnsureDeviceID returns the persisted device id for userID, generating one on first use
func EnsureDeviceID(db *sql.DB, userID string) (string, error) {
	if err := initializeDatabase(db); err != nil {
		return "", fmt.Errorf("failed to initialize database: %w", err)
	}
	var deviceID string
	err := db.QueryRow(`SELECT device_id FROM _sync_client_info WHERE user_id = ?`, userID).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		deviceID = uuid.NewString()
		if _, err = db.Exec(`INSERT INTO _sync_client_info (user_id, device_id) VALUES (?, ?)`, userID, deviceID); err != nil {
			return "", fmt.Errorf("failed to insert client info: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to query client info: %w", err)
	}
	return deviceID, nil
}

func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS _sync_client_info (
			user_id   TEXT NOT NULL PRIMARY KEY,
			device_id TEXT NOT NULL
		)`,

		// Local copy of every synced record. version is the last server version known
		// (1 for a create that has not been acknowledged yet).
		`CREATE TABLE IF NOT EXISTS _sync_records (
			entity_type TEXT NOT NULL,
			client_id   TEXT NOT NULL,
			server_id   TEXT,
			version     INTEGER NOT NULL DEFAULT 0,
			payload     TEXT,
			is_dirty    INTEGER NOT NULL DEFAULT 0,
			sync_status TEXT NOT NULL DEFAULT 'synced' CHECK (sync_status IN ('synced','pending','failed','conflict')),
			synced_at   TEXT,
			deleted_at  TEXT,
			updated_at  TEXT NOT NULL,
			PRIMARY KEY (entity_type, client_id)
		)`,
		`CREATE INDEX IF NOT EXISTS _sync_records_server_id ON _sync_records(entity_type, server_id)`,

		// Mutation log, FIFO by seq. Terminal rows stay archived until PurgeArchived.
		`CREATE TABLE IF NOT EXISTS _sync_operations (
			seq               INTEGER PRIMARY KEY AUTOINCREMENT,
			op_id             TEXT NOT NULL UNIQUE,
			entity_type       TEXT NOT NULL,
			entity_client_id  TEXT NOT NULL,
			server_id         TEXT,
			operation         TEXT NOT NULL CHECK (operation IN ('create','update','delete')),
			payload           TEXT,
			base_version      INTEGER,
			status            TEXT NOT NULL DEFAULT 'queued'
			                  CHECK (status IN ('queued','in_flight','acknowledged','conflict','rejected','failed')),
			retry_count       INTEGER NOT NULL DEFAULT 0,
			last_attempted_at TEXT,
			next_attempt_at   TEXT,
			last_error        TEXT,
			created_at        TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS _sync_operations_entity ON _sync_operations(entity_type, entity_client_id, seq)`,
		`CREATE INDEX IF NOT EXISTS _sync_operations_status ON _sync_operations(status, seq)`,
		`CREATE TRIGGER IF NOT EXISTS _sync_operations_immutable
			BEFORE UPDATE OF op_id, entity_type, entity_client_id, server_id, operation, payload, base_version, created_at
			ON _sync_operations
		BEGIN
			SELECT RAISE(ABORT, 'sync operation is immutable');
		END`,

		`CREATE TABLE IF NOT EXISTS _sync_state (
			user_id          TEXT NOT NULL,
			device_id        TEXT NOT NULL,
			entity_type      TEXT NOT NULL,
			last_sync_cursor INTEGER NOT NULL DEFAULT 0,
			last_sync_at     TEXT NOT NULL,
			PRIMARY KEY (user_id, device_id, entity_type)
		)`,

		// Conflicts this device lost, kept for the user to review
		`CREATE TABLE IF NOT EXISTS _sync_conflicts (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			op_id          TEXT NOT NULL,
			entity_type    TEXT NOT NULL,
			client_id      TEXT NOT NULL,
			server_id      TEXT,
			conflict_id    INTEGER,
			conflict_type  TEXT NOT NULL,
			resolution     TEXT NOT NULL,
			local_payload  TEXT,
			server_version INTEGER NOT NULL DEFAULT 0,
			server_payload TEXT,
			created_at     TEXT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}
	return nil
}

// Config returns the client's configuration
func (c *Client) Config() *Config { return c.config }

// Close cancels any running sync session; later Sync calls fail with ErrClientClosed.
// The database stays open and belongs to the caller.
func (c *Client) Close() {
	c.closeFn()
}

func (c *Client) now() time.Time {
	if c.config.Clock != nil {
		return c.config.Clock().UTC()
	}
	return time.Now().UTC()
}

func (c *Client) checkEntityType(entityType string) error {
	if !c.entities[entityType] {
		return fmt.Errorf("%w: %q", ErrUnknownEntityType, entityType)
	}
	return nil
}

// timeLayout is fixed-width so stored timestamps compare correctly as text
const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}
