// Package backend stores backup archives outside the database file.
package backend

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrNotFound is returned when an archive does not exist.
	ErrNotFound = errors.New("archive not found")

	// ErrInvalidKey is returned for keys that are empty or escape the root.
	ErrInvalidKey = errors.New("invalid archive key")
)

// Backend stores opaque archives by key. Keys use "/" as the separator.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write replaces the archive at key with the contents of r. Readers
	// never observe a partially written archive.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read opens the archive at key. Returns ErrNotFound if it does not exist.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the archive at key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns archives whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]Info, error)
}

// Info describes a stored archive.
type Info struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
}
