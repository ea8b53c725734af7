// Package ctxutil provides shared context key accessors.
//
// The supervisor, executor and continuation manager all stamp the run chain
// they are working on into the context; loggers and the audit buffer read it
// back without each layer threading ids through every signature.
package ctxutil

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	keyCorrelation contextKey = "correlation"
	keyRequestID   contextKey = "request_id"
	keyOwner       contextKey = "owner"
)

// Correlation identifies the chain hop a piece of work belongs to.
type Correlation struct {
	TraceID   string
	RunID     int64
	RootRunID int64
	JobID     int64
}

// WithCorrelation returns a new context carrying c.
func WithCorrelation(ctx context.Context, c Correlation) context.Context {
	return context.WithValue(ctx, keyCorrelation, c)
}

// CorrelationFromContext extracts the correlation ids, if any.
func CorrelationFromContext(ctx context.Context) (Correlation, bool) {
	c, ok := ctx.Value(keyCorrelation).(Correlation)
	return c, ok
}

// WithRequestID returns a new context carrying the HTTP request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext extracts the HTTP request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}

// WithOwner returns a new context carrying the authenticated owner id.
func WithOwner(ctx context.Context, ownerID int64) context.Context {
	return context.WithValue(ctx, keyOwner, ownerID)
}

// OwnerFromContext returns the authenticated owner id. ok is false when the
// request was not authenticated.
func OwnerFromContext(ctx context.Context) (ownerID int64, ok bool) {
	ownerID, ok = ctx.Value(keyOwner).(int64)
	return ownerID, ok
}

// Logger returns logger annotated with the correlation ids found in ctx.
func Logger(ctx context.Context, logger *slog.Logger) *slog.Logger {
	c, ok := CorrelationFromContext(ctx)
	if !ok {
		return logger
	}
	attrs := []any{"trace_id", c.TraceID}
	if c.RunID != 0 {
		attrs = append(attrs, "run_id", c.RunID)
	}
	if c.RootRunID != 0 {
		attrs = append(attrs, "root_run_id", c.RootRunID)
	}
	if c.JobID != 0 {
		attrs = append(attrs, "job_id", c.JobID)
	}
	return logger.With(attrs...)
}
