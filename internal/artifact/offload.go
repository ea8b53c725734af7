package artifact

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// ToolOutput is one tool result about to enter the transcript.
type ToolOutput struct {
	ToolName   string
	ToolCallID string
	RunID      *int64
	Content    string
}

// Offloader replaces oversized tool outputs with a reference marker.
type Offloader struct {
	store        *Store
	maxChars     int
	previewChars int
}

// NewOffloader returns an Offloader. Outputs longer than maxChars runes are
// stored; maxChars <= 0 disables offloading.
func NewOffloader(store *Store, maxChars, previewChars int) *Offloader {
	if previewChars < 0 {
		previewChars = 0
	}
	return &Offloader{store: store, maxChars: maxChars, previewChars: previewChars}
}

// Offload returns the content to place in the transcript. When the output
// is oversized it is saved for owner and the returned content is a
// reference marker followed by a preview; offloaded reports whether that
// happened.
func (o *Offloader) Offload(ctx context.Context, ownerID int64, out ToolOutput) (content string, offloaded bool, err error) {
	runes := []rune(out.Content)
	if o.maxChars <= 0 || len(runes) <= o.maxChars {
		return out.Content, false, nil
	}

	id, err := o.store.Save(ctx, ownerID, SaveInput{
		ToolName:   out.ToolName,
		Content:    []byte(out.Content),
		RunID:      out.RunID,
		ToolCallID: out.ToolCallID,
	})
	if err != nil {
		return "", false, err
	}

	preview := runes
	if len(preview) > o.previewChars {
		preview = preview[:o.previewChars]
	}
	var b strings.Builder
	b.WriteString(FormatReference(id, out.ToolName, len(out.Content)))
	b.WriteString("\n")
	b.WriteString(string(preview))
	if len(preview) < len(runes) {
		fmt.Fprintf(&b, "\n... [%d more characters; call read_tool_output with this artifact_id]", len(runes)-len(preview))
	}
	return b.String(), true, nil
}

var referencePattern = regexp.MustCompile(`\[TOOL_OUTPUT:artifact_id=([0-9a-f]{64})(?:\s[^\]]*)?\]`)

// FormatReference renders the marker that stands in for an offloaded output.
func FormatReference(id, toolName string, sizeBytes int) string {
	return fmt.Sprintf("[TOOL_OUTPUT:artifact_id=%s tool=%s size=%d]", id, toolName, sizeBytes)
}

// ParseReference extracts the artifact id from the first marker in s.
func ParseReference(s string) (string, bool) {
	m := referencePattern.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Window returns up to limit runes of content starting at rune offset,
// plus whether more content follows. limit <= 0 means the rest.
func Window(content []byte, offset, limit int) (string, bool) {
	runes := []rune(string(content))
	if offset < 0 {
		offset = 0
	}
	if offset >= len(runes) {
		return "", false
	}
	end := len(runes)
	if limit > 0 && limit < end-offset {
		end = offset + limit
	}
	return string(runes[offset:end]), end < len(runes)
}
