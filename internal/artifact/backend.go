package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Backend is a flat blob store addressed by slash-separated keys.
type Backend interface {
	Put(ctx context.Context, key string, data []byte) error
	// Get returns ErrNotFound when the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// FileBackend stores blobs under a root directory on local disk.
type FileBackend struct {
	root string
}

// NewFileBackend returns a FileBackend rooted at dir, creating it if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("artifact: resolve root %q: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("artifact: create root %q: %w", abs, err)
	}
	return &FileBackend{root: abs}, nil
}

// fullPath maps key to a path under root, rejecting anything that would
// resolve outside it.
func (b *FileBackend) fullPath(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, key)
	}
	full := filepath.Join(b.root, filepath.FromSlash(key))
	rel, err := filepath.Rel(b.root, full)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, key)
	}
	return full, nil
}

// Put writes data atomically via a temp file and rename.
func (b *FileBackend) Put(_ context.Context, key string, data []byte) error {
	full, err := b.fullPath(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("artifact: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tsugi-put-*")
	if err != nil {
		return fmt.Errorf("artifact: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("artifact: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("artifact: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("artifact: close temp: %w", err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return fmt.Errorf("artifact: rename into place: %w", err)
	}
	return nil
}

// Get reads the blob stored at key.
func (b *FileBackend) Get(_ context.Context, key string) ([]byte, error) {
	full, err := b.fullPath(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full) //nolint:gosec // path is confined to root by fullPath
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("artifact: read %s: %w", key, err)
	}
	return data, nil
}

// Exists reports whether a blob is stored at key.
func (b *FileBackend) Exists(_ context.Context, key string) (bool, error) {
	full, err := b.fullPath(key)
	if err != nil {
		return false, err
	}
	st, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("artifact: stat %s: %w", key, err)
	}
	return !st.IsDir(), nil
}
