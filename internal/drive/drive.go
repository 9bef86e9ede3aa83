// Package drive abstracts the upstream file provider: delta queries from a
// change cursor, push channel management, and content download. The services
// layer depends only on the Provider interface; the Google implementation
// lives in google.go so tests can substitute fakes.
package drive

import (
	"context"
	"io"
	"time"
)

// FileMeta is the subset of file metadata the ingestion filters need.
type FileMeta struct {
	ID          string
	Name        string
	MimeType    string
	MD5Checksum string
	Size        int64
	Trashed     bool
	Parents     []string
}

// Change is one entry of a delta query. When Removed is true the file was
// deleted or lost before it could be inspected and File is nil.
type Change struct {
	FileID  string
	Removed bool
	File    *FileMeta
}

// ChangePage is one page of a delta query. NextPageToken is set while more
// pages remain; NewStartPageToken is set on the final page and becomes the
// cursor for the next batch.
type ChangePage struct {
	Changes           []Change
	NextPageToken     string
	NewStartPageToken string
}

// Channel describes a registered push channel.
type Channel struct {
	ID         string
	ResourceID string
	ExpiresAt  time.Time
}

// Provider is the upstream file source.
type Provider interface {
	// StartPageToken returns a fresh cursor positioned at "now".
	StartPageToken(ctx context.Context) (string, error)

	// Changes returns one page of changes from the given cursor.
	Changes(ctx context.Context, pageToken string) (*ChangePage, error)

	// Watch registers a push channel on folderID delivering to address,
	// carrying token in every notification.
	Watch(ctx context.Context, folderID, channelID, address, token string) (*Channel, error)

	// Stop tears down a push channel. An already-gone channel is not an
	// error; renewal must never fail because the old channel vanished.
	Stop(ctx context.Context, channelID, resourceID string) error

	// Download streams the content of fileID.
	Download(ctx context.Context, fileID string) (io.ReadCloser, error)
}
