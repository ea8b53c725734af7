// Package artifact stores oversized tool outputs outside the transcript.
//
// Artifacts are content-addressed (hex SHA-256 of the bytes) and scoped to
// an owner: content lives at owners/<owner_id>/artifacts/<artifact_id> with
// a JSON metadata sidecar next to it. Ids are validated before any key is
// built, so a caller can never name a path outside its own namespace.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/tsugi/internal/model"
)

var (
	// ErrInvalidArtifactID is returned for ids that are not 64 lowercase hex chars.
	ErrInvalidArtifactID = errors.New("artifact: invalid artifact id")
	// ErrInvalidOwner is returned for non-positive owner ids.
	ErrInvalidOwner = errors.New("artifact: invalid owner")
	// ErrPathEscape is returned when a resolved location leaves the owner's namespace.
	ErrPathEscape = errors.New("artifact: path escapes owner namespace")
	// ErrNotFound is returned when no artifact exists under the id for that owner.
	ErrNotFound = errors.New("artifact: not found")
)

var artifactIDPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ValidateID checks that id is a well-formed artifact id.
func ValidateID(id string) error {
	if !artifactIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidArtifactID, id)
	}
	return nil
}

// ComputeID returns the artifact id for content.
func ComputeID(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Store saves and loads artifacts through a Backend.
type Store struct {
	backend Backend
	now     func() time.Time
}

// NewStore creates a Store over the given backend.
func NewStore(backend Backend) *Store {
	return &Store{backend: backend, now: time.Now}
}

// SaveInput describes a tool output to persist.
type SaveInput struct {
	ToolName   string
	Content    []byte
	RunID      *int64
	ToolCallID string
}

// Save persists content for owner and returns its artifact id. Saving the
// same bytes twice returns the same id and leaves the first metadata intact.
func (s *Store) Save(ctx context.Context, ownerID int64, in SaveInput) (string, error) {
	id := ComputeID(in.Content)
	contentKey, metaKey, err := keys(ownerID, id)
	if err != nil {
		return "", err
	}

	exists, err := s.backend.Exists(ctx, metaKey)
	if err != nil {
		return "", fmt.Errorf("artifact: check %s: %w", id, err)
	}
	if exists {
		return id, nil
	}

	if err := s.backend.Put(ctx, contentKey, in.Content); err != nil {
		return "", fmt.Errorf("artifact: put content %s: %w", id, err)
	}
	meta := model.ArtifactMetadata{
		ArtifactID: id,
		OwnerID:    ownerID,
		ToolName:   in.ToolName,
		RunID:      in.RunID,
		ToolCallID: in.ToolCallID,
		SizeBytes:  int64(len(in.Content)),
		CreatedAt:  s.now().UTC(),
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("artifact: encode metadata: %w", err)
	}
	// Metadata is written last; its presence marks a complete artifact.
	if err := s.backend.Put(ctx, metaKey, raw); err != nil {
		return "", fmt.Errorf("artifact: put metadata %s: %w", id, err)
	}
	return id, nil
}

// Read returns the exact bytes stored under id for owner.
func (s *Store) Read(ctx context.Context, ownerID int64, id string) ([]byte, error) {
	contentKey, _, err := keys(ownerID, id)
	if err != nil {
		return nil, err
	}
	data, err := s.backend.Get(ctx, contentKey)
	if err != nil {
		return nil, fmt.Errorf("artifact: read %s: %w", id, err)
	}
	return data, nil
}

// ReadMetadata returns the metadata stored next to an artifact.
func (s *Store) ReadMetadata(ctx context.Context, ownerID int64, id string) (model.ArtifactMetadata, error) {
	_, metaKey, err := keys(ownerID, id)
	if err != nil {
		return model.ArtifactMetadata{}, err
	}
	raw, err := s.backend.Get(ctx, metaKey)
	if err != nil {
		return model.ArtifactMetadata{}, fmt.Errorf("artifact: read metadata %s: %w", id, err)
	}
	var meta model.ArtifactMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return model.ArtifactMetadata{}, fmt.Errorf("artifact: decode metadata %s: %w", id, err)
	}
	return meta, nil
}

// keys validates owner and id and returns the content and metadata keys.
func keys(ownerID int64, id string) (contentKey, metaKey string, err error) {
	if ownerID <= 0 {
		return "", "", fmt.Errorf("%w: %d", ErrInvalidOwner, ownerID)
	}
	if err := ValidateID(id); err != nil {
		return "", "", err
	}
	prefix := OwnerPrefix(ownerID)
	contentKey = path.Join(prefix, id)
	if !strings.HasPrefix(contentKey, prefix+"/") {
		return "", "", fmt.Errorf("%w: %q", ErrPathEscape, id)
	}
	return contentKey, contentKey + ".meta.json", nil
}

// OwnerPrefix is the key prefix every artifact of an owner lives under.
func OwnerPrefix(ownerID int64) string {
	return path.Join("owners", strconv.FormatInt(ownerID, 10), "artifacts")
}
