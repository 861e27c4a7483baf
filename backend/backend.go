// Package backend provides the on-disk blob store for the media cache.
package backend

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// Info describes a stored key.
type Info struct {
	Size    int64
	ModTime time.Time
	// Regular is false when the key resolves to something other than a plain
	// file, such as a directory left behind by a crash or manual tampering.
	Regular bool
}

// Backend defines the interface for storage backends.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key.
	// If the key already exists, it is replaced.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Stat returns information about the key.
	// Returns ErrNotFound if the key does not exist.
	Stat(ctx context.Context, key string) (*Info, error)
}

// WriterBackend extends Backend with direct writer access.
type WriterBackend interface {
	Backend

	// Writer returns a BlobWriter for writing to the given key.
	// The write is only committed when Close returns nil.
	Writer(ctx context.Context, key string) (BlobWriter, error)
}

// BlobWriter is a streaming write that is committed on Close and discarded
// on Abort. Calling Close after Abort, or Abort after Close, is a no-op.
type BlobWriter interface {
	io.WriteCloser
	Abort() error
}
