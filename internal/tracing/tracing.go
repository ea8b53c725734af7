// Package tracing generates the identifiers that correlate a run chain
// and bridges them into OpenTelemetry.
//
// A chain has one trace id, fixed when its root run is created and copied
// to every continuation, worker job and LLM audit row. Each model call gets
// its own span id. Trace ids are 32 lowercase hex characters so they double
// as W3C/OTEL trace ids.
package tracing

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
)

// NewTraceID returns a fresh chain trace id. It is the hex form of a
// UUIDv7, so ids sort roughly by creation time.
func NewTraceID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return hex.EncodeToString(id[:])
}

// NewSpanID returns a unique id for one model invocation.
func NewSpanID() string {
	return ulid.Make().String()
}

// NewMessageID returns an id for an assistant message. A chain keeps the
// same assistant message id across hops so clients stream into one bubble.
func NewMessageID() string {
	return ulid.Make().String()
}

// ValidTraceID reports whether s has the shape of a chain trace id.
func ValidTraceID(s string) bool {
	if len(s) != 32 || strings.ToLower(s) != s {
		return false
	}
	_, err := trace.TraceIDFromHex(s)
	return err == nil
}

// ContextWithTrace returns a context whose OTEL parent is a remote span
// context carrying traceID, so spans started from it on any hop of the
// chain land in the same OTEL trace.
func ContextWithTrace(ctx context.Context, traceID string) (context.Context, error) {
	tid, err := trace.TraceIDFromHex(traceID)
	if err != nil {
		return ctx, fmt.Errorf("tracing: invalid trace id %q: %w", traceID, err)
	}
	// The parent span id only has to be valid; derive it from the trace id
	// so every hop agrees on it.
	var sid trace.SpanID
	copy(sid[:], tid[8:])
	if !sid.IsValid() {
		sid[7] = 1
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return trace.ContextWithRemoteSpanContext(ctx, sc), nil
}
