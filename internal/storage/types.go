package storage

import (
	"sort"
	"strings"

	"github.com/codedrop/codedrop/internal/config"
)

// Config alias for storage configuration
type Config = config.StorageConfig

// Metadata keys understood by every backend
const (
	MetaContentType = "content-type"
	MetaSize        = "size"
	MetaFileName    = "file-name"
)

// Common storage errors
var (
	ErrObjectNotFound   = NewError("ObjectNotFound", "The specified object does not exist")
	ErrInvalidPath      = NewError("InvalidPath", "The specified path is invalid")
	ErrPermissionDenied = NewError("PermissionDenied", "Permission denied")
	ErrStorageNotReady  = NewError("StorageNotReady", "Storage backend is not ready")
)

// StorageError represents a storage-specific error
type StorageError struct {
	Code    string
	Message string
	Cause   error
}

func (e *StorageError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Is matches any StorageError with the same code
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	return ok && t.Code == e.Code
}

// NewError creates a new storage error
func NewError(code, message string) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
	}
}

// NewErrorWithCause creates a new storage error with underlying cause
func NewErrorWithCause(code, message string, cause error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// DeleteError reports the paths a best-effort Delete could not remove
type DeleteError struct {
	Failed map[string]error
}

func (e *DeleteError) Error() string {
	paths := make([]string, 0, len(e.Failed))
	for p := range e.Failed {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return "failed to delete " + strings.Join(paths, ", ")
}

// Unwrap exposes the individual failures to errors.Is and errors.As
func (e *DeleteError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}

// FailedPaths returns the number of paths that could not be deleted
func (e *DeleteError) FailedPaths() int {
	return len(e.Failed)
}

// deleteEach runs del for every path, tolerating missing objects
func deleteEach(paths []string, del func(path string) error) error {
	var failed map[string]error
	for _, p := range paths {
		if err := del(p); err != nil {
			if failed == nil {
				failed = make(map[string]error)
			}
			failed[p] = err
		}
	}
	if failed != nil {
		return &DeleteError{Failed: failed}
	}
	return nil
}

// validatePath validates that the path is a safe relative object key
func validatePath(path string) error {
	if path == "" {
		return ErrInvalidPath
	}

	// Prevent directory traversal attacks
	for _, part := range strings.Split(path, "/") {
		if part == ".." || part == "." {
			return ErrInvalidPath
		}
	}

	if strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return ErrInvalidPath
	}

	return nil
}
