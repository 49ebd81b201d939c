// Package storage provides blob storage for persisted subtars.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// BlobStorage stores encoded subtars under string keys.
// Implementations include S3 and the local filesystem.
type BlobStorage interface {
	// Put writes data under key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte) error

	// Get reads the object stored under key.
	// Returns ErrObjectNotFound if there is none.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// Exists checks if an object exists in storage.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys under the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}
