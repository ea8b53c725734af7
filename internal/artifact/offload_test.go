package artifact_test

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsugi/internal/artifact"
)

func TestOffload_SmallOutputPassesThrough(t *testing.T) {
	store, _ := newStore(t)
	o := artifact.NewOffloader(store, 100, 10)

	content, offloaded, err := o.Offload(context.Background(), 1, artifact.ToolOutput{ToolName: "ls", Content: "short"})
	require.NoError(t, err)
	assert.False(t, offloaded)
	assert.Equal(t, "short", content)
}

func TestOffload_LargeOutputBecomesReference(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	o := artifact.NewOffloader(store, 100, 10)

	full := strings.Repeat("abcdefghij", 50)
	content, offloaded, err := o.Offload(ctx, 9, artifact.ToolOutput{ToolName: "grep", ToolCallID: "c1", Content: full})
	require.NoError(t, err)
	require.True(t, offloaded)

	id, ok := artifact.ParseReference(content)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(content, "[TOOL_OUTPUT:artifact_id="+id))
	assert.Contains(t, content, "tool=grep")
	assert.Contains(t, content, "\nabcdefghij\n")
	assert.Less(t, len(content), len(full))

	got, err := store.Read(ctx, 9, id)
	require.NoError(t, err)
	assert.Equal(t, full, string(got))
}

func TestOffload_CountsRunesNotBytes(t *testing.T) {
	store, _ := newStore(t)
	o := artifact.NewOffloader(store, 5, 2)

	// Five runes, fifteen bytes.
	content, offloaded, err := o.Offload(context.Background(), 1, artifact.ToolOutput{ToolName: "x", Content: "日本語です"})
	require.NoError(t, err)
	assert.False(t, offloaded)
	assert.Equal(t, "日本語です", content)
}

func TestOffload_Disabled(t *testing.T) {
	store, _ := newStore(t)
	o := artifact.NewOffloader(store, 0, 10)
	content, offloaded, err := o.Offload(context.Background(), 1, artifact.ToolOutput{Content: strings.Repeat("x", 10_000)})
	require.NoError(t, err)
	assert.False(t, offloaded)
	assert.Len(t, content, 10_000)
}

func TestParseReference(t *testing.T) {
	id := artifact.ComputeID([]byte("x"))
	ref := artifact.FormatReference(id, "tool", 12)

	got, ok := artifact.ParseReference("prefix " + ref + "\npreview")
	require.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = artifact.ParseReference("[TOOL_OUTPUT:artifact_id=../oops]")
	assert.False(t, ok)
	_, ok = artifact.ParseReference("nothing here")
	assert.False(t, ok)
}

func TestWindow(t *testing.T) {
	data := []byte("héllo world")
	s, more := artifact.Window(data, 0, 5)
	assert.Equal(t, "héllo", s)
	assert.True(t, more)

	s, more = artifact.Window(data, 6, 0)
	assert.Equal(t, "world", s)
	assert.False(t, more)

	s, more = artifact.Window(data, 100, 5)
	assert.Empty(t, s)
	assert.False(t, more)
}

func TestWindowHugeLimit(t *testing.T) {
	data := []byte("hello world")
	for _, offset := range []int{0, 1, 10} {
		var s string
		var more bool
		require.NotPanics(t, func() { s, more = artifact.Window(data, offset, math.MaxInt) })
		assert.Equal(t, string(data[offset:]), s)
		assert.False(t, more)
	}
}
