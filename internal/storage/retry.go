package storage

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	txRetries   = 3
	txBaseDelay = 20 * time.Millisecond
)

// sqlstateDeadlock is deadlock_detected.
const sqlstateDeadlock = "40P01"

// isDeadlock reports whether Postgres aborted the transaction to break a
// lock cycle. Transactions here run at READ COMMITTED, so serialization
// failures cannot happen; deadlocks can, because cancellation locks a run
// before its jobs while continuation locks a job before its run.
func isDeadlock(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlstateDeadlock
}

// inTx runs fn in a transaction and commits it. A transaction chosen as a
// deadlock victim is replayed from the start, up to txRetries times, with
// jittered exponential backoff. fn must not commit or roll back.
func (db *DB) inTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	delay := txBaseDelay
	for attempt := 0; ; attempt++ {
		err := db.runTx(ctx, op, fn)
		if err == nil || !isDeadlock(err) || attempt == txRetries {
			return err
		}
		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
}

func (db *DB) runTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin %s: %w", op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit %s: %w", op, err)
	}
	return nil
}
