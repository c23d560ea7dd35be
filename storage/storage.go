// Package storage provides the blob storage backend for crate archives
// and generated documentation. Two implementations are provided, a local
// filesystem tree and an S3-compatible bucket, behind a single interface
// with identical existence and failure semantics.
package storage

import (
	"context"
	"io"
)

// Store is the interface for blob storage backends. Keys are
// backend-agnostic, slash-separated strings.
type Store interface {
	// Put stores the content of reader under key. The write is atomic from
	// the caller's perspective: a concurrent Get never observes a
	// partially written object.
	Put(ctx context.Context, key string, reader io.Reader) error

	// Get retrieves the object stored under key. The caller is responsible
	// for closing the returned ReadCloser. A missing key yields an error
	// satisfying errors.Is(err, ErrNotFound).
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object stored under key. Deleting a missing key
	// is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether an object is stored under key.
	Exists(ctx context.Context, key string) (bool, error)
}
