package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Local stores artifacts under a directory on the daemon's filesystem.
type Local struct {
	root string
}

// NewLocal constructs a filesystem-backed store rooted at dir.
func NewLocal(dir string) (*Local, error) {
	if dir == "" {
		return nil, fmt.Errorf("artifact directory not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	return &Local{root: dir}, nil
}

// Put writes the body to a temp file and renames it into place so readers
// never observe a partial artifact.
func (l *Local) Put(ctx context.Context, key string, body io.Reader, size int64, _ string) (Object, error) {
	if err := validateKey(key); err != nil {
		return Object{}, err
	}
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}

	dest := filepath.Join(l.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Object{}, fmt.Errorf("create artifact subdirectory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".artifact-*")
	if err != nil {
		return Object{}, fmt.Errorf("create temp artifact: %w", err)
	}
	written, err := io.Copy(tmp, body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return Object{}, fmt.Errorf("write artifact %s: %w", key, err)
	}
	if size >= 0 && written != size {
		_ = os.Remove(tmp.Name())
		return Object{}, fmt.Errorf("artifact %s truncated: wrote %d of %d bytes", key, written, size)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		_ = os.Remove(tmp.Name())
		return Object{}, fmt.Errorf("finalize artifact %s: %w", key, err)
	}
	return Object{Key: key, Size: written}, nil
}

// Get opens an artifact for reading.
func (l *Local) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(l.root, filepath.FromSlash(key)))
	if err != nil {
		return nil, fmt.Errorf("open artifact %s: %w", key, err)
	}
	return f, nil
}

// Delete removes an artifact. Missing artifacts are not an error.
func (l *Local) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(l.root, filepath.FromSlash(key)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete artifact %s: %w", key, err)
	}
	return nil
}
