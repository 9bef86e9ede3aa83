// Call HTTP handlers.
//
// This file exposes REST endpoints for call item resources:
//   - GET    /calls                 (list, paginated, status filter, ETag support)
//   - GET    /calls/{id}            (detail)
//   - GET    /calls/{id}/transcript (plain-text transcript)
//   - GET    /calls/{id}/audio      (short-lived signed download URL)
//   - POST   /calls/{id}/requeue    (resubmit a failed item, idempotent)
//   - GET    /calls/search          (keyword search over completed summaries)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses (including conditional responses).
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-call-backend/internal/domain"
	"github.com/tbourn/go-call-backend/internal/http/middleware"
	"github.com/tbourn/go-call-backend/internal/repo"
	"github.com/tbourn/go-call-backend/internal/search"
	"github.com/tbourn/go-call-backend/internal/services"
	"github.com/tbourn/go-call-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// CallService defines the read-side operations consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type CallService interface {
	// ListPage returns a page of items with an optional status filter.
	ListPage(ctx context.Context, status domain.Status, page, pageSize int) ([]domain.CallItem, int64, error)
	// Get returns one item by ID.
	Get(ctx context.Context, id string) (*domain.CallItem, error)
	// Transcript returns the stored transcript text for an item.
	Transcript(ctx context.Context, id string) (string, error)
	// AudioURL returns a short-lived signed URL for the stored recording.
	AudioURL(ctx context.Context, id string) (string, error)
	// Stats returns count and latest update time for cache validators.
	Stats(ctx context.Context, status domain.Status) (int64, *time.Time, error)
	// Search ranks completed summaries against the query.
	Search(ctx context.Context, query string, k int) ([]search.Result, error)
}

// Requeuer resubmits failed items into the pipeline.
type Requeuer interface {
	Requeue(ctx context.Context, id string) (*domain.CallItem, error)
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for calls, webhooks, and channel operations.
// It depends on abstract service interfaces to keep transport concerns
// separate from business logic.
type Handlers struct {
	callSvc   CallService
	requeuer  Requeuer
	ingestSvc IngestService
	subSvc    SubscriptionService

	// db and idemTTL back idempotent requeue replays; both optional.
	db      *gorm.DB
	idemTTL time.Duration
}

// New constructs a Handlers instance bound to the given services.
func New(callSvc CallService, rq Requeuer, ingestSvc IngestService, subSvc SubscriptionService) *Handlers {
	return &Handlers{callSvc: callSvc, requeuer: rq, ingestSvc: ingestSvc, subSvc: subSvc}
}

// WithIdempotency enables stored requeue replays keyed by Idempotency-Key.
func (h *Handlers) WithIdempotency(db *gorm.DB, ttl time.Duration) *Handlers {
	h.db = db
	h.idemTTL = ttl
	return h
}

//
// DTOs
//

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListCallsResponse wraps a page of call items and pagination information.
type ListCallsResponse struct {
	Calls      []domain.CallItem `json:"calls"`
	Pagination Pagination        `json:"pagination"`
}

// AudioURLResponse carries a signed recording link and its validity window.
type AudioURLResponse struct {
	URL string `json:"url"`
}

// SearchResponse wraps ranked search results.
type SearchResponse struct {
	Query   string          `json:"query"`
	Results []search.Result `json:"results"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

// statusFilter validates the optional ?status= query parameter.
func statusFilter(c *gin.Context) (domain.Status, bool) {
	raw := strings.TrimSpace(c.Query("status"))
	if raw == "" {
		return "", true
	}
	st := domain.Status(strings.ToUpper(raw))
	if !st.Valid() {
		return "", false
	}
	return st, true
}

//
// Handlers
//

// ListCalls returns a page of call items, newest first. Supports a status
// filter and a weak ETag via If-None-Match (may return 304).
func (h *Handlers) ListCalls(c *gin.Context) {
	ctx := c.Request.Context()
	page, pageSize := clampPagination(c)

	status, okStatus := statusFilter(c)
	if !okStatus {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown status filter")
		return
	}

	// ETag pre-check (best effort).
	if count, maxTS, err := h.callSvc.Stats(ctx, status); err == nil {
		var ts int64
		if maxTS != nil {
			ts = maxTS.Unix()
		}
		etag := fmt.Sprintf(`W/"calls:%s:%d:%d"`, status, count, ts)
		c.Header("ETag", etag)
		if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
			c.Status(http.StatusNotModified)
			return
		}
	}

	items, total, err := h.callSvc.ListPage(ctx, status, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	resp := ListCallsResponse{
		Calls: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	}
	ok(c, http.StatusOK, resp)
}

// GetCall returns one call item by ID.
func (h *Handlers) GetCall(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "call id must be a UUID")
		return
	}
	item, err := h.callSvc.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, services.ErrItemNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "call not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, item)
}

// GetTranscript returns the item's transcript as plain text.
func (h *Handlers) GetTranscript(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "call id must be a UUID")
		return
	}
	text, err := h.callSvc.Transcript(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrItemNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "call not found")
		case errors.Is(err, services.ErrNoTranscript):
			fail(c, http.StatusNotFound, ErrCodeNoTranscript, "transcript not available yet")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(text))
}

// GetAudioURL returns a short-lived signed download URL for the recording.
func (h *Handlers) GetAudioURL(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "call id must be a UUID")
		return
	}
	url, err := h.callSvc.AudioURL(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, services.ErrItemNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "call not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, AudioURLResponse{URL: url})
}

// SearchCalls ranks completed call summaries against the q parameter.
func (h *Handlers) SearchCalls(c *gin.Context) {
	q := c.Query("q")
	k := utils.AtoiDefault(c.Query("k"), 5)
	if k < 1 {
		k = 1
	}
	if k > 50 {
		k = 50
	}

	results, err := h.callSvc.Search(c.Request.Context(), q, k)
	if err != nil {
		if errors.Is(err, services.ErrEmptyQuery) {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "query parameter q is required")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeSearchFailed, err.Error())
		return
	}
	if results == nil {
		results = []search.Result{}
	}
	ok(c, http.StatusOK, SearchResponse{Query: q, Results: results})
}

// RequeueCall resubmits a failed call item as a fresh one. With an
// Idempotency-Key header, a repeated request within the TTL returns the item
// created by the first attempt instead of spawning another.
func (h *Handlers) RequeueCall(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "call id must be a UUID")
		return
	}

	// Serve stored replays.
	idemKey, hasKey := middleware.GetIdempotencyKey(c)
	if hasKey && h.db != nil && middleware.IsReplay(c) {
		if rec, err := repo.GetIdempotency(ctx, h.db, id, idemKey, time.Now().UTC()); err == nil {
			if item, err := h.callSvc.Get(ctx, rec.ResultID); err == nil {
				c.Header("Idempotency-Replayed", "true")
				ok(c, rec.Status, item)
				return
			}
		}
	}

	item, err := h.requeuer.Requeue(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrItemNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "call not found")
		case errors.Is(err, services.ErrNotFailed):
			fail(c, http.StatusConflict, ErrCodeConflict, "item is not in a failed state")
		case errors.Is(err, repo.ErrDuplicateHash):
			fail(c, http.StatusConflict, ErrCodeConflict, "a live item already carries this content")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeRequeueFailed, err.Error())
		}
		return
	}

	if hasKey && h.db != nil {
		// Best effort; the requeue itself already succeeded.
		if _, err := repo.CreateIdempotency(ctx, h.db, id, idemKey, item.ID, http.StatusCreated, h.idemTTL); err != nil &&
			!errors.Is(err, repo.ErrDuplicate) {
			middleware.LoggerFrom(c).Warn().Err(err).Str("item_id", id).Msg("store idempotency record failed")
		}
	}
	ok(c, http.StatusCreated, item)
}
