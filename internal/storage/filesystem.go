package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// FilesystemBackend implements the Backend interface on an afero filesystem,
// the OS filesystem rooted at Config.Root in production
type FilesystemBackend struct {
	fs       afero.Fs
	rootPath string
}

// NewFilesystemBackend creates a new filesystem storage backend
func NewFilesystemBackend(config Config) (*FilesystemBackend, error) {
	return NewFilesystemBackendWithFs(afero.NewOsFs(), config.Root)
}

// NewFilesystemBackendWithFs creates a backend on an arbitrary afero filesystem
func NewFilesystemBackendWithFs(fs afero.Fs, root string) (*FilesystemBackend, error) {
	if root == "" {
		return nil, NewError("InvalidRoot", "Storage root is required")
	}
	if err := fs.MkdirAll(root, 0755); err != nil {
		return nil, NewErrorWithCause("CreateRootDir", "Failed to create root directory", err)
	}

	return &FilesystemBackend{
		fs:       fs,
		rootPath: root,
	}, nil
}

// Put stores an object, writing to a temp file first and renaming it into place
func (b *FilesystemBackend) Put(ctx context.Context, path string, data io.Reader, metadata map[string]string) error {
	if err := validatePath(path); err != nil {
		return err
	}

	fullPath := b.getFullPath(path)

	dir := filepath.Dir(fullPath)
	if err := b.fs.MkdirAll(dir, 0755); err != nil {
		return NewErrorWithCause("CreateDirectory", "Failed to create directory", err)
	}

	tempFile, err := afero.TempFile(b.fs, dir, ".tmp_")
	if err != nil {
		return NewErrorWithCause("CreateTempFile", "Failed to create temporary file", err)
	}
	tempName := tempFile.Name()
	defer b.fs.Remove(tempName)
	defer tempFile.Close()

	// Copy data and calculate hash
	hasher := md5.New()
	size, err := io.Copy(io.MultiWriter(tempFile, hasher), contextReader{ctx: ctx, r: data})
	if err != nil {
		return NewErrorWithCause("WriteData", "Failed to write data", err)
	}

	if err := tempFile.Close(); err != nil {
		return NewErrorWithCause("WriteData", "Failed to flush data", err)
	}

	stored := make(map[string]string, len(metadata)+3)
	for k, v := range metadata {
		stored[k] = v
	}
	stored[MetaSize] = strconv.FormatInt(size, 10)
	stored["etag"] = hex.EncodeToString(hasher.Sum(nil))
	stored["last_modified"] = strconv.FormatInt(time.Now().Unix(), 10)

	if err := b.saveMetadata(path, stored); err != nil {
		return err
	}

	if err := b.fs.Rename(tempName, fullPath); err != nil {
		return NewErrorWithCause("AtomicMove", "Failed to move file to final location", err)
	}

	logrus.WithFields(logrus.Fields{
		"path": path,
		"size": size,
	}).Debug("Stored object")

	return nil
}

// Get opens an object and its metadata
func (b *FilesystemBackend) Get(ctx context.Context, path string) (io.ReadCloser, map[string]string, error) {
	if err := validatePath(path); err != nil {
		return nil, nil, err
	}

	file, err := b.fs.Open(b.getFullPath(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, ErrObjectNotFound
		}
		return nil, nil, NewErrorWithCause("OpenFile", "Failed to open file", err)
	}

	metadata, err := b.loadMetadata(path)
	if err != nil {
		file.Close()
		return nil, nil, err
	}

	return file, metadata, nil
}

// Delete removes objects and their metadata, ignoring paths that do not exist
func (b *FilesystemBackend) Delete(ctx context.Context, paths ...string) error {
	return deleteEach(paths, func(path string) error {
		if err := validatePath(path); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := b.fs.Remove(b.getFullPath(path)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return NewErrorWithCause("DeleteFile", "Failed to delete file", err)
		}

		// Ignore errors for metadata cleanup
		_ = b.fs.Remove(b.getMetadataPath(path))
		return nil
	})
}

// Exists checks if an object exists
func (b *FilesystemBackend) Exists(ctx context.Context, path string) (bool, error) {
	if err := validatePath(path); err != nil {
		return false, err
	}

	exists, err := afero.Exists(b.fs, b.getFullPath(path))
	if err != nil {
		return false, NewErrorWithCause("StatFile", "Failed to stat file", err)
	}
	return exists, nil
}

// Close releases backend resources
func (b *FilesystemBackend) Close() error {
	return nil
}

// getFullPath returns the full filesystem path for a given object path
func (b *FilesystemBackend) getFullPath(path string) string {
	return filepath.Join(b.rootPath, filepath.FromSlash(path))
}

// getMetadataPath returns the path for the metadata sidecar file
func (b *FilesystemBackend) getMetadataPath(path string) string {
	return b.getFullPath(path) + ".metadata"
}

func (b *FilesystemBackend) saveMetadata(path string, metadata map[string]string) error {
	data, err := json.Marshal(metadata)
	if err != nil {
		return NewErrorWithCause("MarshalMetadata", "Failed to marshal metadata", err)
	}

	if err := afero.WriteFile(b.fs, b.getMetadataPath(path), data, 0644); err != nil {
		return NewErrorWithCause("WriteMetadata", "Failed to write metadata", err)
	}
	return nil
}

func (b *FilesystemBackend) loadMetadata(path string) (map[string]string, error) {
	data, err := afero.ReadFile(b.fs, b.getMetadataPath(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, NewErrorWithCause("ReadMetadata", "Failed to read metadata", err)
	}

	metadata := make(map[string]string)
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, NewErrorWithCause("UnmarshalMetadata", "Failed to unmarshal metadata", err)
	}
	return metadata, nil
}

// contextReader stops a copy once ctx is cancelled
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, fmt.Errorf("upload aborted: %w", err)
	}
	return c.r.Read(p)
}
