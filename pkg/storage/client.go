// Package storage stores run artifacts on Azure Blob Storage or the local
// filesystem and provides the result file, combine and clean operations
// built on top of them.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a blob or file does not exist.
var ErrNotFound = errors.New("blob not found")

// BlobStorageClient stores artifacts addressed by slash-separated paths.
type BlobStorageClient interface {
	// Upload writes data to path, replacing any existing content, and
	// returns a URL or absolute reference to it.
	Upload(ctx context.Context, path string, data []byte, metadata map[string]string) (string, error)

	// Download reads a blob by path or by the reference Upload returned.
	// A missing blob yields an error matching ErrNotFound.
	Download(ctx context.Context, reference string) ([]byte, error)

	// List returns the paths starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes a blob. Deleting a missing blob returns ErrNotFound.
	Delete(ctx context.Context, path string) error
}
