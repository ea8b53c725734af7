package model

import "time"

// ArtifactMetadata describes an offloaded tool output. It is written once
// next to the content and never updated.
type ArtifactMetadata struct {
	ArtifactID string    `json:"artifact_id"`
	OwnerID    int64     `json:"owner_id"`
	ToolName   string    `json:"tool_name"`
	RunID      *int64    `json:"run_id,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	SizeBytes  int64     `json:"size_bytes"`
	CreatedAt  time.Time `json:"created_at"`
}
