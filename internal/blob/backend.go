// Package blob defines the contract the core consumes from a blob backend.
// Bytes are addressed by the numeric storage id (sid); ids are never reused,
// and a stored blob's bytes are immutable once written.
package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when no blob is stored under the given sid.
var ErrNotFound = errors.New("blob not found")

// Backend stores the raw bytes behind storage rows.
type Backend interface {
	// Ensure prepares the backing bucket at startup, creating it if needed.
	Ensure(ctx context.Context) error

	// Put streams the blob's bytes under sid. size may be -1 when unknown.
	Put(ctx context.Context, sid int64, r io.Reader, size int64) error

	// Open returns a reader over the stored bytes.
	Open(ctx context.Context, sid int64) (io.ReadCloser, error)

	// PresignGet returns a URL from which the blob can be fetched without
	// credentials until ttl elapses.
	PresignGet(ctx context.Context, sid int64, ttl time.Duration) (string, error)

	// BulkDelete removes the given blobs and returns the sids it failed to
	// delete. Partial failure is expected and not an error.
	BulkDelete(ctx context.Context, sids []int64) ([]int64, error)
}
