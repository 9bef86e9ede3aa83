// Google Drive implementation of the Provider interface over the official
// drive/v3 REST client. Authentication comes from Application Default
// Credentials, same as the other GCP clients in this codebase.
package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	gdrive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
)

// changeFields limits delta responses to the metadata ingestion actually
// inspects.
const changeFields = "nextPageToken, newStartPageToken, changes(fileId, removed, file(id, name, mimeType, md5Checksum, size, trashed, parents))"

// GoogleProvider implements Provider against the Drive v3 API.
type GoogleProvider struct {
	svc *gdrive.Service
}

// NewGoogleProvider wraps an initialized Drive service.
func NewGoogleProvider(svc *gdrive.Service) *GoogleProvider {
	return &GoogleProvider{svc: svc}
}

// StartPageToken returns a cursor positioned at the current state of the
// corpus; changes before it are never reported.
func (g *GoogleProvider) StartPageToken(ctx context.Context) (string, error) {
	resp, err := g.svc.Changes.GetStartPageToken().Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("drive: get start page token: %w", err)
	}
	return resp.StartPageToken, nil
}

// Changes fetches one page of the delta from pageToken.
func (g *GoogleProvider) Changes(ctx context.Context, pageToken string) (*ChangePage, error) {
	resp, err := g.svc.Changes.List(pageToken).
		Fields(googleapi.Field(changeFields)).
		IncludeRemoved(true).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("drive: list changes: %w", err)
	}

	page := &ChangePage{
		NextPageToken:     resp.NextPageToken,
		NewStartPageToken: resp.NewStartPageToken,
		Changes:           make([]Change, 0, len(resp.Changes)),
	}
	for _, c := range resp.Changes {
		page.Changes = append(page.Changes, fromAPIChange(c))
	}
	return page, nil
}

// Watch registers a push channel on folderID. Drive assigns the resource id
// and the expiry (epoch milliseconds).
func (g *GoogleProvider) Watch(ctx context.Context, folderID, channelID, address, token string) (*Channel, error) {
	ch, err := g.svc.Files.Watch(folderID, &gdrive.Channel{
		Id:      channelID,
		Type:    "web_hook",
		Address: address,
		Token:   token,
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("drive: watch folder %s: %w", folderID, err)
	}
	return &Channel{
		ID:         ch.Id,
		ResourceID: ch.ResourceId,
		ExpiresAt:  time.UnixMilli(ch.Expiration).UTC(),
	}, nil
}

// Stop tears down the channel. A 404 means it already expired or was
// stopped; that is success for our purposes.
func (g *GoogleProvider) Stop(ctx context.Context, channelID, resourceID string) error {
	err := g.svc.Channels.Stop(&gdrive.Channel{
		Id:         channelID,
		ResourceId: resourceID,
	}).Context(ctx).Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("drive: stop channel %s: %w", channelID, err)
	}
	return nil
}

// Download streams the file content. The caller owns the reader.
func (g *GoogleProvider) Download(ctx context.Context, fileID string) (io.ReadCloser, error) {
	resp, err := g.svc.Files.Get(fileID).Context(ctx).Download()
	if err != nil {
		return nil, fmt.Errorf("drive: download %s: %w", fileID, err)
	}
	return resp.Body, nil
}

// fromAPIChange converts a wire change into the provider-neutral form.
// A trashed file is reported as removed: either way there is nothing left
// to ingest.
func fromAPIChange(c *gdrive.Change) Change {
	out := Change{FileID: c.FileId, Removed: c.Removed}
	if c.File == nil {
		out.Removed = true
		return out
	}
	if c.File.Trashed {
		out.Removed = true
	}
	out.File = &FileMeta{
		ID:          c.File.Id,
		Name:        c.File.Name,
		MimeType:    c.File.MimeType,
		MD5Checksum: c.File.Md5Checksum,
		Size:        c.File.Size,
		Trashed:     c.File.Trashed,
		Parents:     c.File.Parents,
	}
	return out
}
