package storage

import (
	"context"
	"fmt"
	"io"
)

// Backend stores share bytes by path. It has no notion of expiry.
type Backend interface {
	// Put writes data at path, replacing any previous object
	Put(ctx context.Context, path string, data io.Reader, metadata map[string]string) error
	// Get opens the object; ErrObjectNotFound if it does not exist
	Get(ctx context.Context, path string) (io.ReadCloser, map[string]string, error)
	// Delete removes every path it can. Missing paths count as removed;
	// other failures are reported together as a *DeleteError.
	Delete(ctx context.Context, paths ...string) error
	Exists(ctx context.Context, path string) (bool, error)

	Close() error
}

// NewBackend creates a new storage backend based on configuration
func NewBackend(config Config) (Backend, error) {
	switch config.Backend {
	case "filesystem", "":
		return NewFilesystemBackend(config)
	case "s3":
		return NewS3Backend(context.Background(), config)
	case "minio":
		return NewMinIOBackend(context.Background(), config)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", config.Backend)
	}
}
