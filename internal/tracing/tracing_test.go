package tracing_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/tsugi/internal/tracing"
)

func TestNewTraceID(t *testing.T) {
	a := tracing.NewTraceID()
	b := tracing.NewTraceID()
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
	assert.True(t, tracing.ValidTraceID(a))
}

func TestValidTraceID(t *testing.T) {
	assert.False(t, tracing.ValidTraceID(""))
	assert.False(t, tracing.ValidTraceID("abc"))
	assert.False(t, tracing.ValidTraceID("0123456789ABCDEF0123456789ABCDEF"))
	assert.False(t, tracing.ValidTraceID("00000000000000000000000000000000"))
	assert.True(t, tracing.ValidTraceID("0123456789abcdef0123456789abcdef"))
}

func TestSpanIDsAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for range 1000 {
		id := tracing.NewSpanID()
		require.False(t, seen[id], "duplicate span id %s", id)
		seen[id] = true
	}
}

func TestContextWithTrace(t *testing.T) {
	traceID := tracing.NewTraceID()
	ctx, err := tracing.ContextWithTrace(context.Background(), traceID)
	require.NoError(t, err)

	sc := trace.SpanContextFromContext(ctx)
	assert.True(t, sc.IsValid())
	assert.True(t, sc.IsRemote())
	assert.Equal(t, traceID, sc.TraceID().String())

	// Every hop derives the same parent span.
	ctx2, err := tracing.ContextWithTrace(context.Background(), traceID)
	require.NoError(t, err)
	assert.Equal(t, sc.SpanID(), trace.SpanContextFromContext(ctx2).SpanID())

	_, err = tracing.ContextWithTrace(context.Background(), "not-hex")
	assert.Error(t, err)
}
