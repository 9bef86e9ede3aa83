// GCS implementation of ObjectStore. Exactly-once transfer rests on the
// DoesNotExist precondition: concurrent writers race on the same key and the
// loser's upload fails with HTTP 412, which is reported as created=false
// rather than an error.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	gstorage "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GCSStore implements ObjectStore over a single bucket.
type GCSStore struct {
	bucket *gstorage.BucketHandle
}

// NewGCSStore wraps a bucket handle from an initialized storage client.
func NewGCSStore(client *gstorage.Client, bucket string) *GCSStore {
	return &GCSStore{bucket: client.Bucket(bucket)}
}

// PutIfAbsent uploads r under key with a DoesNotExist precondition.
//
// GCS surfaces the precondition failure either on write or on Close,
// depending on object size; both paths map to created=false.
func (s *GCSStore) PutIfAbsent(ctx context.Context, key string, r io.Reader, contentType string) (bool, error) {
	w := s.bucket.Object(key).If(gstorage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		if isPreconditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("storage: write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("storage: finalize %s: %w", key, err)
	}
	return true, nil
}

// Get opens the object at key for reading.
func (s *GCSStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.bucket.Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", key, err)
	}
	return r, nil
}

// SignedURL issues a V4 GET URL valid for ttl. Credentials come from the
// client the bucket handle was created with.
func (s *GCSStore) SignedURL(key string, ttl time.Duration) (string, error) {
	url, err := s.bucket.SignedURL(key, &gstorage.SignedURLOptions{
		Scheme:  gstorage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("storage: sign %s: %w", key, err)
	}
	return url, nil
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
