// Package services – IngestService
//
// This file implements the IngestService, which turns Drive push
// notifications into durable call items. A notification carries no file
// content, only "something changed"; the service verifies the shared channel
// token, pages through the change feed from the persisted cursor, filters
// each change down to ingestible audio, transfers the bytes into the object
// store exactly once (content-addressed key, create-only precondition), and
// records an ACCEPTED item that the pipeline picks up.
//
// The cursor advances only after every change of a page has been handled, so
// a crash mid-page re-delivers rather than drops. Every change resolves to
// one of a closed set of outcomes that feeds both logs and metrics.
package services

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/tbourn/go-call-backend/internal/config"
	"github.com/tbourn/go-call-backend/internal/domain"
	"github.com/tbourn/go-call-backend/internal/drive"
	"github.com/tbourn/go-call-backend/internal/observability"
	"github.com/tbourn/go-call-backend/internal/repo"
	"github.com/tbourn/go-call-backend/internal/storage"
)

// Ingestion outcomes, one per processed change.
const (
	OutcomeTransferred = "transferred" // new recording stored and accepted
	OutcomeDuplicate   = "duplicate"   // content hash already known
	OutcomeSkipped     = "skipped"     // filtered out (type, size, location)
	OutcomeRemoved     = "removed"     // file deleted or trashed upstream
	OutcomeFailed      = "failed"      // transfer error, will retry on next sync
)

// Enqueuer hands accepted items to the processing pipeline.
type Enqueuer interface {
	Enqueue(itemID string) error
}

// Notification is the payload of one Drive webhook delivery, assembled by the
// handler from the X-Goog-* headers.
type Notification struct {
	ChannelID     string
	ResourceState string
	Token         string
}

// IngestService drives the webhook-to-storage half of the system.
type IngestService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Provider is the upstream Drive client.
	Provider drive.Provider
	// Store receives recordings under content-addressed keys.
	Store storage.ObjectStore
	// Queue receives accepted items. May be nil in tooling contexts;
	// recovery re-enqueues anything left in ACCEPTED.
	Queue Enqueuer
	// Cfg carries the watched folder and ingestion filters.
	Cfg config.DriveConfig
}

// NewIngestService constructs an IngestService.
func NewIngestService(db *gorm.DB, p drive.Provider, store storage.ObjectStore, q Enqueuer, cfg config.DriveConfig) *IngestService {
	return &IngestService{DB: db, Provider: p, Store: store, Queue: q, Cfg: cfg}
}

// IngestReport aggregates per-outcome counts for one sync run.
type IngestReport struct {
	Transferred int `json:"transferred"`
	Duplicate   int `json:"duplicate"`
	Skipped     int `json:"skipped"`
	Removed     int `json:"removed"`
	Failed      int `json:"failed"`
}

func (r *IngestReport) add(outcome string) {
	switch outcome {
	case OutcomeTransferred:
		r.Transferred++
	case OutcomeDuplicate:
		r.Duplicate++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeRemoved:
		r.Removed++
	case OutcomeFailed:
		r.Failed++
	}
	observability.IngestOutcomes.WithLabelValues(outcome).Inc()
}

// HandleNotification validates a webhook delivery and, for change
// notifications, runs a sync. The initial "sync" handshake message is
// acknowledged without work. A token mismatch returns ErrInvalidToken and a
// notification for a channel other than the active one is ignored; both can
// only come from a stale or forged sender.
func (s *IngestService) HandleNotification(ctx context.Context, n Notification) (*IngestReport, error) {
	tr := otel.Tracer("services/IngestService")
	ctx, span := tr.Start(ctx, "HandleNotification",
		trace.WithAttributes(attribute.String("resource_state", n.ResourceState)))
	defer span.End()

	if subtle.ConstantTimeCompare([]byte(n.Token), []byte(s.Cfg.ChannelToken)) != 1 {
		return nil, ErrInvalidToken
	}
	if n.ResourceState == "sync" {
		log.Debug().Str("channel_id", n.ChannelID).Msg("channel handshake acknowledged")
		return &IngestReport{}, nil
	}

	sub, err := repo.GetSubscription(ctx, s.DB)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	if n.ChannelID != "" && n.ChannelID != sub.ChannelID {
		log.Warn().
			Str("channel_id", n.ChannelID).
			Str("active_channel_id", sub.ChannelID).
			Msg("notification for superseded channel ignored")
		return &IngestReport{}, nil
	}

	return s.Sync(ctx)
}

// Sync pages through the change feed from the persisted cursor and processes
// every change. Each fully handled page advances the cursor before the next
// is fetched.
func (s *IngestService) Sync(ctx context.Context) (*IngestReport, error) {
	tr := otel.Tracer("services/IngestService")
	ctx, span := tr.Start(ctx, "Sync")
	defer span.End()

	sub, err := repo.GetSubscription(ctx, s.DB)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}

	report := &IngestReport{}
	token := sub.PageToken
	for token != "" {
		page, err := s.Provider.Changes(ctx, token)
		if err != nil {
			return report, err
		}

		pageFailed := 0
		for _, ch := range page.Changes {
			outcome := s.processChange(ctx, ch)
			report.add(outcome)
			if outcome == OutcomeFailed {
				pageFailed++
			}
		}

		// A failed transfer holds the cursor so the next sync re-delivers
		// the page instead of skipping the change forever.
		if pageFailed > 0 {
			log.Warn().Int("failed", pageFailed).Str("page_token", token).
				Msg("cursor held for retry after transfer failures")
			break
		}

		next := page.NextPageToken
		if next == "" {
			next = page.NewStartPageToken
		}
		if next != "" && next != token {
			if err := repo.AdvancePageToken(ctx, s.DB, next); err != nil {
				return report, err
			}
		}
		if page.NextPageToken == "" {
			break
		}
		token = next
	}

	log.Info().
		Int("transferred", report.Transferred).
		Int("duplicate", report.Duplicate).
		Int("skipped", report.Skipped).
		Int("removed", report.Removed).
		Int("failed", report.Failed).
		Msg("drive sync complete")
	return report, nil
}

// processChange resolves one change to an outcome. Transfer errors are
// contained here: they log, count as failed, and leave the cursor alone so
// the next sync retries the page.
func (s *IngestService) processChange(ctx context.Context, ch drive.Change) string {
	if ch.Removed || ch.File == nil || ch.File.Trashed {
		log.Debug().Str("file_id", ch.FileID).Msg("file removed upstream")
		return OutcomeRemoved
	}

	f := ch.File
	if reason := s.filterReason(f); reason != "" {
		log.Debug().Str("file_id", f.ID).Str("name", f.Name).Str("reason", reason).Msg("change skipped")
		return OutcomeSkipped
	}

	outcome, err := s.transfer(ctx, f)
	if err != nil {
		log.Error().Err(err).Str("file_id", f.ID).Str("name", f.Name).Msg("transfer failed")
		return OutcomeFailed
	}
	return outcome
}

// filterReason returns a non-empty skip reason for files ingestion does not
// want: folders and shortcuts, files outside the watched folder, oversized
// files, and non-audio extensions.
func (s *IngestService) filterReason(f *drive.FileMeta) string {
	switch f.MimeType {
	case "application/vnd.google-apps.folder":
		return "folder"
	case "application/vnd.google-apps.shortcut":
		return "shortcut"
	}
	if s.Cfg.FolderID != "" && !contains(f.Parents, s.Cfg.FolderID) {
		return "outside watched folder"
	}
	if s.Cfg.MaxFileSize > 0 && f.Size > s.Cfg.MaxFileSize {
		return "exceeds size limit"
	}
	ext := strings.ToLower(filepath.Ext(f.Name))
	if !contains(s.Cfg.Extensions, ext) {
		return "extension not allowed"
	}
	return ""
}

// transfer moves one recording into the object store and records the item.
// When the provider reports an MD5 the duplicate check runs before any bytes
// move; otherwise the content is spooled to disk and hashed with SHA-256
// first. Either way the storage write is create-only, so a concurrent
// delivery of the same content cannot double-store.
func (s *IngestService) transfer(ctx context.Context, f *drive.FileMeta) (string, error) {
	var (
		hash string
		body io.Reader
	)

	if f.MD5Checksum != "" {
		hash = f.MD5Checksum
		if _, err := repo.FindActiveByHash(ctx, s.DB, hash); err == nil {
			log.Debug().Str("file_id", f.ID).Str("hash", hash).Msg("duplicate content, not transferred")
			return OutcomeDuplicate, nil
		} else if !errors.Is(err, repo.ErrNotFound) {
			return "", err
		}

		rc, err := s.Provider.Download(ctx, f.ID)
		if err != nil {
			return "", fmt.Errorf("download %s: %w", f.ID, err)
		}
		defer rc.Close()
		body = rc
	} else {
		// No upstream checksum: spool and hash before the keyed write.
		rc, err := s.Provider.Download(ctx, f.ID)
		if err != nil {
			return "", fmt.Errorf("download %s: %w", f.ID, err)
		}
		spool, err := os.CreateTemp("", "ingest-*")
		if err != nil {
			rc.Close()
			return "", err
		}
		defer func() {
			spool.Close()
			os.Remove(spool.Name())
		}()

		h := sha256.New()
		if _, err := io.Copy(io.MultiWriter(spool, h), rc); err != nil {
			rc.Close()
			return "", fmt.Errorf("spool %s: %w", f.ID, err)
		}
		rc.Close()
		hash = hex.EncodeToString(h.Sum(nil))

		if _, err := repo.FindActiveByHash(ctx, s.DB, hash); err == nil {
			log.Debug().Str("file_id", f.ID).Str("hash", hash).Msg("duplicate content, not transferred")
			return OutcomeDuplicate, nil
		} else if !errors.Is(err, repo.ErrNotFound) {
			return "", err
		}
		if _, err := spool.Seek(0, io.SeekStart); err != nil {
			return "", err
		}
		body = spool
	}

	key := RecordingKey(hash, f.Name)
	created, err := s.Store.PutIfAbsent(ctx, key, body, f.MimeType)
	if err != nil {
		return "", fmt.Errorf("store %s: %w", key, err)
	}
	if !created {
		log.Debug().Str("key", key).Msg("object already stored, reusing")
	}

	item := &domain.CallItem{
		FileID:      f.ID,
		Name:        f.Name,
		Title:       titleFromName(f.Name),
		ContentHash: hash,
		Status:      domain.StatusAccepted,
		StorageRef:  key,
	}
	if err := repo.CreateItem(ctx, s.DB, item); err != nil {
		if errors.Is(err, repo.ErrDuplicateHash) {
			return OutcomeDuplicate, nil
		}
		return "", err
	}

	if s.Queue != nil {
		if err := s.Queue.Enqueue(item.ID); err != nil {
			// The item is durably ACCEPTED; recovery will pick it up.
			log.Warn().Err(err).Str("item_id", item.ID).Msg("enqueue failed, deferring to recovery")
		}
	}

	log.Info().
		Str("item_id", item.ID).
		Str("file_id", f.ID).
		Str("name", f.Name).
		Str("key", key).
		Msg("recording accepted")
	return OutcomeTransferred, nil
}

// RecordingKey is the object-store location of a recording.
func RecordingKey(hash, name string) string {
	return "calls/" + hash + "/" + name
}

// TranscriptKey is the object-store location of an item's transcript.
func TranscriptKey(hash string) string {
	return "calls/" + hash + "/transcript.txt"
}

// SummaryKey is the object-store location of an item's summary document.
func SummaryKey(hash string) string {
	return "calls/" + hash + "/summary.json"
}

var titleCaser = cases.Title(language.English)

// titleFromName derives a display title from a filename: extension stripped,
// separators folded to spaces, words title-cased.
func titleFromName(name string) string {
	title := strings.TrimSuffix(name, filepath.Ext(name))
	title = strings.NewReplacer("_", " ", "-", " ").Replace(title)
	words := strings.Fields(title)
	if len(words) == 0 {
		return name
	}
	for i, w := range words {
		words[i] = titleCaser.String(strings.ToLower(w))
	}
	return strings.Join(words, " ")
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
