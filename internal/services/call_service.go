// Package services – CallService
//
// This file implements the CallService, the read side of the call API. It
// serves paginated listings with status filters, item detail, transcript
// retrieval from the object store, short-lived signed audio URLs, and keyword
// search over completed summaries.
//
// The search index is an immutable snapshot swapped atomically on refresh, so
// queries never block behind a rebuild.
package services

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-call-backend/internal/domain"
	"github.com/tbourn/go-call-backend/internal/repo"
	"github.com/tbourn/go-call-backend/internal/search"
	"github.com/tbourn/go-call-backend/internal/storage"
)

// audioURLTTL bounds how long a signed recording link stays valid.
const audioURLTTL = 15 * time.Minute

// CallService exposes query operations over ingested call items.
type CallService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Store serves transcripts and signs recording URLs.
	Store storage.ObjectStore

	mu  sync.RWMutex
	idx search.Index
}

// NewCallService constructs a CallService with an empty search index; call
// RefreshIndex once the database is open.
func NewCallService(db *gorm.DB, store storage.ObjectStore) *CallService {
	return &CallService{
		DB:    db,
		Store: store,
		idx:   search.NewIndexFromDocs(nil),
	}
}

// ListPage returns a page of items, newest first, optionally filtered by
// status. Invalid page/pageSize values fall back to defaults.
func (s *CallService) ListPage(ctx context.Context, status domain.Status, page, pageSize int) ([]domain.CallItem, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := repo.CountItems(ctx, s.DB, status)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.CallItem{}, 0, nil
	}

	items, err := repo.ListItemsPage(ctx, s.DB, status, offset, pageSize)
	return items, total, err
}

// Get returns one item by ID, or ErrItemNotFound.
func (s *CallService) Get(ctx context.Context, id string) (*domain.CallItem, error) {
	it, err := repo.GetItem(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	return it, nil
}

// Transcript returns the stored transcript text for an item. Items that have
// not produced one yet yield ErrNoTranscript.
func (s *CallService) Transcript(ctx context.Context, id string) (string, error) {
	it, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if it.TranscriptRef == "" {
		return "", ErrNoTranscript
	}
	rc, err := s.Store.Get(ctx, it.TranscriptRef)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// AudioURL returns a short-lived signed download URL for the item's stored
// recording.
func (s *CallService) AudioURL(ctx context.Context, id string) (string, error) {
	it, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return s.Store.SignedURL(it.StorageRef, audioURLTTL)
}

// Stats returns the item count and latest update time, optionally filtered by
// status. Handlers derive cache validators from it.
func (s *CallService) Stats(ctx context.Context, status domain.Status) (int64, *time.Time, error) {
	return repo.ItemsStats(ctx, s.DB, status)
}

// Search ranks completed call summaries against the query. Empty queries are
// rejected with ErrEmptyQuery.
func (s *CallService) Search(ctx context.Context, query string, k int) ([]search.Result, error) {
	tr := otel.Tracer("services/CallService")
	_, span := tr.Start(ctx, "Search",
		trace.WithAttributes(attribute.Int("k", k)))
	defer span.End()

	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	s.mu.RLock()
	idx := s.idx
	s.mu.RUnlock()
	return idx.TopK(query, k), nil
}

// RefreshIndex rebuilds the search index from all completed summaries and
// swaps it in atomically. Wired as the pipeline's completion hook and called
// once at startup.
func (s *CallService) RefreshIndex(ctx context.Context) error {
	items, err := repo.ListCompletedSummaries(ctx, s.DB)
	if err != nil {
		return err
	}
	docs := make([]search.Doc, 0, len(items))
	for _, it := range items {
		docs = append(docs, search.Doc{
			ID:    it.ID,
			Title: it.Title,
			Text:  summaryText(&it),
		})
	}
	idx := search.NewIndexFromDocs(docs)

	s.mu.Lock()
	s.idx = idx
	s.mu.Unlock()

	log.Debug().Int("docs", len(docs)).Msg("search index refreshed")
	return nil
}

// summaryText flattens an item's inline summary into one searchable string.
func summaryText(it *domain.CallItem) string {
	parts := make([]string, 0, 8)
	if it.Title != "" {
		parts = append(parts, it.Title)
	}
	if it.IssueSentence != "" {
		parts = append(parts, it.IssueSentence)
	}
	parts = append(parts, it.KeyDetails...)
	parts = append(parts, it.ActionItems...)
	parts = append(parts, it.NextSteps...)
	if it.Sentiment != "" {
		parts = append(parts, it.Sentiment)
	}
	return strings.Join(parts, " ")
}
