package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrIdempotencyPayloadMismatch is returned when a key is reused in the
	// same scope with a different request body.
	ErrIdempotencyPayloadMismatch = errors.New("idempotency key reused with different payload")
	// ErrIdempotencyInProgress indicates another request holds the key.
	ErrIdempotencyInProgress = errors.New("idempotency key request already in progress")
)

// IdempotencyLookup describes the state of a key after BeginIdempotency.
type IdempotencyLookup struct {
	Completed    bool
	StatusCode   int
	ResponseData json.RawMessage
}

// BeginIdempotency reserves (scope, key). A zero lookup with a nil error means
// the caller owns processing; Completed means the stored response should be
// replayed.
//
// In-progress keys are never taken over, even when old: the request that
// reserved one may have committed before crashing. CleanupIdempotencyKeys
// removes abandoned reservations.
func (db *DB) BeginIdempotency(ctx context.Context, scope, key, requestHash string) (IdempotencyLookup, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (scope, idempotency_key, request_hash, status)
		 VALUES ($1, $2, $3, 'in_progress')
		 ON CONFLICT DO NOTHING`,
		scope, key, requestHash,
	)
	if err != nil {
		return IdempotencyLookup{}, fmt.Errorf("storage: begin idempotency: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return IdempotencyLookup{}, nil
	}

	var (
		storedHash   string
		status       string
		statusCode   *int
		responseData []byte
	)
	if err := db.pool.QueryRow(ctx,
		`SELECT request_hash, status, status_code, response_data
		 FROM idempotency_keys
		 WHERE scope = $1 AND idempotency_key = $2`,
		scope, key,
	).Scan(&storedHash, &status, &statusCode, &responseData); err != nil {
		return IdempotencyLookup{}, fmt.Errorf("storage: lookup idempotency: %w", err)
	}

	if storedHash != requestHash {
		return IdempotencyLookup{}, ErrIdempotencyPayloadMismatch
	}
	if status != "completed" {
		return IdempotencyLookup{}, ErrIdempotencyInProgress
	}
	lookup := IdempotencyLookup{Completed: true, ResponseData: responseData}
	if statusCode != nil {
		lookup.StatusCode = *statusCode
	}
	return lookup, nil
}

// CompleteIdempotency stores the response for a reserved key.
func (db *DB) CompleteIdempotency(ctx context.Context, scope, key string, statusCode int, responseData any) error {
	payload, err := json.Marshal(responseData)
	if err != nil {
		return fmt.Errorf("storage: marshal idempotency response: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE idempotency_keys
		 SET status = 'completed', status_code = $3, response_data = $4::jsonb, updated_at = now()
		 WHERE scope = $1 AND idempotency_key = $2 AND status = 'in_progress'`,
		scope, key, statusCode, payload,
	)
	if err != nil {
		return fmt.Errorf("storage: complete idempotency: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: complete idempotency: %w", ErrNotFound)
	}
	return nil
}

// ClearInProgressIdempotency drops a reservation so the client can retry.
// Used when the guarded operation failed without side effects.
func (db *DB) ClearInProgressIdempotency(ctx context.Context, scope, key string) error {
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE scope = $1 AND idempotency_key = $2 AND status = 'in_progress'`,
		scope, key,
	); err != nil {
		return fmt.Errorf("storage: clear idempotency: %w", err)
	}
	return nil
}

// CleanupIdempotencyKeys removes completed records older than completedTTL
// and in-progress reservations older than inProgressTTL.
func (db *DB) CleanupIdempotencyKeys(ctx context.Context, completedTTL, inProgressTTL time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE (status = 'completed' AND updated_at < now() - ($1 * interval '1 microsecond'))
		    OR (status = 'in_progress' AND updated_at < now() - ($2 * interval '1 microsecond'))`,
		completedTTL.Microseconds(), inProgressTTL.Microseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
