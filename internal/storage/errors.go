package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrJobNotRunning is returned when a terminal result is recorded for a
	// job that is no longer running (for example, it was cancelled).
	ErrJobNotRunning = errors.New("storage: job not running")

	// ErrJobNotTerminal is returned when a continuation is requested for a
	// job that has not finished.
	ErrJobNotTerminal = errors.New("storage: job not terminal")

	// ErrToolCallMismatch is returned when a finished job does not answer the
	// tool call its run is waiting on.
	ErrToolCallMismatch = errors.New("storage: job does not match pending tool call")

	// ErrDuplicateToolResult is returned when a thread already holds the
	// result message for a tool call.
	ErrDuplicateToolResult = errors.New("storage: tool call already has a result")
)

// isUniqueViolation reports whether err is a Postgres unique_violation,
// optionally restricted to a named constraint or index.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
