// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ledgersync

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"
)

func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}

// isDataError reports SQLSTATE classes 22 (data exception) and 23 (integrity violation),
// which are scoped to a single operation rather than the whole batch.
func isDataError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	state := pgErr.SQLState()
	return len(state) == 5 && (state[:2] == "22" || state[:2] == "23")
}

// runTx runs fn in a READ COMMITTED transaction, retrying the whole transaction
// when Postgres reports a transient concurrency failure.
func (s *SyncService) runTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	base := s.config.TxRetryBackoff
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	retries := s.config.MaxTxRetries
	if retries < 0 {
		retries = 0
	}
	backoff := retry.WithCappedDuration(2*time.Second, retry.NewExponential(base))
	backoff = retry.WithMaxRetries(uint64(retries), backoff)

	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		timer := s.startStage(op, MetricsStageTx)
		err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}, fn)
		timer.done(ctx, 0, attempt, err)
		if err != nil && isRetryablePGTxError(err) {
			s.logger.Warn("Retrying sync transaction", "op", op, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}
