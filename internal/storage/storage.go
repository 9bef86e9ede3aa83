// Package storage abstracts the object store holding call recordings,
// transcripts, and summary documents. The services layer depends only on the
// ObjectStore interface; the GCS implementation lives in gcs.go so tests can
// substitute fakes.
package storage

import (
	"context"
	"io"
	"time"
)

// ObjectStore is a write-once blob store with content-addressed keys.
type ObjectStore interface {
	// PutIfAbsent writes r to key only when no object exists there yet.
	// The write is atomic: a partially written object is never visible.
	// Returns created=false when the key was already present; that is not
	// an error for idempotent ingestion.
	PutIfAbsent(ctx context.Context, key string, r io.Reader, contentType string) (created bool, err error)

	// Get streams the object at key. The caller owns the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// SignedURL returns a short-lived download URL for key.
	SignedURL(key string, ttl time.Duration) (string, error)
}
