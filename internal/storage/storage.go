// Package storage provides the artifact store stages write episode outputs
// through, with local-filesystem and S3-compatible backends.
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"dopcast/internal/config"
	"dopcast/internal/services"
)

// Object describes a stored artifact.
type Object struct {
	Key  string
	Size int64
}

// ArtifactStore persists and retrieves stage artifacts by key. Keys are
// slash-separated relative paths like "episodes/<run_id>/episode.mp3".
type ArtifactStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (Object, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// New selects the backend named by the configuration.
func New(cfg *config.Config) (ArtifactStore, error) {
	switch cfg.Storage.Backend {
	case config.BackendLocal, "":
		return NewLocal(cfg.Paths.ArtifactDir)
	case config.BackendS3:
		return NewS3(cfg.Storage.S3)
	default:
		return nil, services.Wrap(services.ErrConfiguration, "", "storage",
			fmt.Sprintf("unknown storage backend %q", cfg.Storage.Backend), nil)
	}
}

// validateKey rejects keys that could escape the artifact root.
func validateKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return services.Wrap(services.ErrValidation, "", "storage", "artifact key must not be empty", nil)
	}
	if strings.HasPrefix(key, "/") {
		return services.Wrap(services.ErrValidation, "", "storage", "artifact key must be relative", nil)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return services.Wrap(services.ErrValidation, "", "storage", "artifact key must not traverse upward", nil)
		}
	}
	return nil
}
