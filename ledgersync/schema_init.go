// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ledgersync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the sync bookkeeping tables within an existing transaction
func (s *SyncService) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS sync`,

		// Global pull cursor domain. Every accepted mutation draws a new value.
		/*language=postgresql*/ `CREATE SEQUENCE IF NOT EXISTS sync.change_seq AS BIGINT`,

		// 1) Authoritative versioned records (user-scoped)
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.records (
			user_id      TEXT        NOT NULL,
			entity_type  TEXT        NOT NULL,
			id           UUID        NOT NULL,
			client_id    UUID        NOT NULL,
			version      BIGINT      NOT NULL CHECK (version >= 1),
			payload      JSON        NOT NULL,
			deleted_at   TIMESTAMPTZ,
			change_seq   BIGINT      NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, entity_type, id),
			UNIQUE (user_id, entity_type, client_id)
		)`,
		`CREATE INDEX IF NOT EXISTS records_user_type_seq_idx ON sync.records(user_id, entity_type, change_seq)`,

		// 2) Idempotency journal: one row per op id, result stored for replay
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.operations (
			op_id        UUID        PRIMARY KEY,
			user_id      TEXT        NOT NULL,
			device_id    TEXT        NOT NULL,
			entity_type  TEXT        NOT NULL,
			operation    TEXT        NOT NULL,
			client_id    TEXT        NOT NULL,
			status       TEXT        NOT NULL DEFAULT 'processing',
			result       JSON,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS operations_user_device_idx ON sync.operations(user_id, device_id, created_at)`,

		// 3) Conflict records, retained indefinitely
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.conflicts (
			id               BIGSERIAL   PRIMARY KEY,
			user_id          TEXT        NOT NULL,
			device_id        TEXT        NOT NULL,
			op_id            UUID        NOT NULL,
			entity_type      TEXT        NOT NULL,
			entity_id        UUID,
			client_id        TEXT        NOT NULL,
			conflict_type    TEXT        NOT NULL CHECK (conflict_type IN ('update_conflict','delete_conflict','version_mismatch')),
			client_version   BIGINT      NOT NULL,
			client_payload   JSON,
			server_version   BIGINT      NOT NULL,
			server_payload   JSON,
			resolution       TEXT        NOT NULL DEFAULT 'pending' CHECK (resolution IN ('server_wins','client_wins','merged','pending')),
			resolved_payload JSON,
			resolved_by      TEXT,
			resolved_at      TIMESTAMPTZ,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS conflicts_user_resolution_idx ON sync.conflicts(user_id, resolution, id)`,

		// 4) Append-only audit log
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.audit_log (
			id           BIGSERIAL   PRIMARY KEY,
			user_id      TEXT        NOT NULL,
			device_id    TEXT        NOT NULL,
			entity_type  TEXT        NOT NULL DEFAULT '',
			entity_id    TEXT        NOT NULL DEFAULT '',
			op_id        TEXT        NOT NULL DEFAULT '',
			action       TEXT        NOT NULL,
			outcome      TEXT        NOT NULL,
			before_state JSON,
			after_state  JSON,
			checksum     TEXT        NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS audit_log_user_idx ON sync.audit_log(user_id, id)`,
		/*language=postgresql*/ `CREATE OR REPLACE FUNCTION sync.audit_log_append_only() RETURNS trigger
		LANGUAGE plpgsql AS $$
		BEGIN
			RAISE EXCEPTION 'sync.audit_log is append-only (% rejected)', TG_OP
				USING ERRCODE = 'insufficient_privilege';
		END $$`,
		/*language=postgresql*/ `DO $$
		BEGIN
		  IF NOT EXISTS (
			SELECT 1 FROM pg_trigger
			WHERE tgname = 'audit_log_append_only'
			  AND tgrelid = 'sync.audit_log'::regclass
		  ) THEN
			CREATE TRIGGER audit_log_append_only
			  BEFORE UPDATE OR DELETE ON sync.audit_log
			  FOR EACH ROW EXECUTE FUNCTION sync.audit_log_append_only();
		  END IF;
		END $$;`,

		// 5) Server view of device pull progress
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.device_sync_state (
			user_id            TEXT        NOT NULL,
			device_id          TEXT        NOT NULL,
			entity_type        TEXT        NOT NULL,
			last_served_cursor BIGINT      NOT NULL DEFAULT 0,
			last_pull_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, device_id, entity_type)
		)`,
	}

	for i, migration := range migrations {
		s.logger.Debug("Running sync schema migration", "step", i+1, "total", len(migrations))
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("sync schema migration %d failed: %w", i+1, err)
		}
	}
	s.logger.Info("Sync schema initialized successfully", "migrations", len(migrations))

	return nil
}
