package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-call-backend/internal/domain"
	"github.com/tbourn/go-call-backend/internal/http/middleware"
	"github.com/tbourn/go-call-backend/internal/repo"
	"github.com/tbourn/go-call-backend/internal/search"
	"github.com/tbourn/go-call-backend/internal/services"
)

func TestListCalls_OKWithPagination(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	svc := &stubCallSvc{
		items: []domain.CallItem{
			{ID: uuid.NewString(), Title: "a", Status: domain.StatusCompleted},
			{ID: uuid.NewString(), Title: "b", Status: domain.StatusFailed},
		},
		total:      5,
		statsCount: 5,
		statsTS:    &now,
	}
	r := newTestRouter(New(svc, nil, nil, nil))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/calls?page=2&page_size=2", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}

	var resp ListCallsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(resp.Calls) != 2 || resp.Pagination.Total != 5 {
		t.Fatalf("unexpected body: %+v", resp)
	}
	if resp.Pagination.Page != 2 || resp.Pagination.PageSize != 2 {
		t.Fatalf("pagination echo wrong: %+v", resp.Pagination)
	}
	if resp.Pagination.TotalPages != 3 || !resp.Pagination.HasNext {
		t.Fatalf("derived pagination wrong: %+v", resp.Pagination)
	}
	if svc.lastPage != 2 || svc.lastPageSize != 2 {
		t.Fatalf("service got page=%d size=%d", svc.lastPage, svc.lastPageSize)
	}
	if w.Header().Get("ETag") == "" {
		t.Fatalf("expected ETag header")
	}
}

func TestListCalls_ClampsAndDefaults(t *testing.T) {
	svc := &stubCallSvc{}
	r := newTestRouter(New(svc, nil, nil, nil))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/calls?page=-3&page_size=9999", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if svc.lastPage != 1 || svc.lastPageSize != 100 {
		t.Fatalf("expected clamp to page=1 size=100, got %d/%d", svc.lastPage, svc.lastPageSize)
	}
}

func TestListCalls_StatusFilter(t *testing.T) {
	svc := &stubCallSvc{}
	r := newTestRouter(New(svc, nil, nil, nil))

	// lowercase input is accepted and upcased
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/calls?status=completed", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if svc.lastStatus != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED filter, got %q", svc.lastStatus)
	}

	// garbage filter → 400
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/calls?status=bogus", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", w.Code)
	}
}

func TestListCalls_ETagNotModified(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	svc := &stubCallSvc{statsCount: 3, statsTS: &now}
	r := newTestRouter(New(svc, nil, nil, nil))

	// first request carries the validator
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/calls", nil)
	r.ServeHTTP(w, req)
	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatalf("expected ETag on first response")
	}

	// replay with If-None-Match → 304, empty body
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/calls", nil)
	req.Header.Set("If-None-Match", etag)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Fatalf("304 must have no body, got %q", w.Body.String())
	}
}

func TestListCalls_ServiceError(t *testing.T) {
	svc := &stubCallSvc{listErr: errors.New("boom")}
	r := newTestRouter(New(svc, nil, nil, nil))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/calls", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	var er ErrorResponse
	_ = json.Unmarshal(w.Body.Bytes(), &er)
	if er.Code != ErrCodeListFailed {
		t.Fatalf("expected %q, got %q", ErrCodeListFailed, er.Code)
	}
}

func TestGetCall_Branches(t *testing.T) {
	id := uuid.NewString()
	svc := &stubCallSvc{items: []domain.CallItem{{ID: id, Title: "t", Status: domain.StatusCompleted}}}
	r := newTestRouter(New(svc, nil, nil, nil))

	// bad id → 400
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/calls/not-a-uuid", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad id expected 400, got %d", w.Code)
	}

	// unknown → 404
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/calls/"+uuid.NewString(), nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown id expected 404, got %d", w.Code)
	}

	// found → 200 with the item
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/calls/"+id, nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var got domain.CallItem
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil || got.ID != id {
		t.Fatalf("bad item body: %s err=%v", w.Body.String(), err)
	}
}

func TestGetTranscript_Branches(t *testing.T) {
	id := uuid.NewString()

	t.Run("plain text", func(t *testing.T) {
		svc := &stubCallSvc{transcript: "hello there"}
		r := newTestRouter(New(svc, nil, nil, nil))
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/calls/"+id+"/transcript", nil)
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK || w.Body.String() != "hello there" {
			t.Fatalf("got %d %q", w.Code, w.Body.String())
		}
		if ct := w.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
			t.Fatalf("content type = %q", ct)
		}
	})

	t.Run("not transcribed yet", func(t *testing.T) {
		svc := &stubCallSvc{trErr: services.ErrNoTranscript}
		r := newTestRouter(New(svc, nil, nil, nil))
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/calls/"+id+"/transcript", nil)
		r.ServeHTTP(w, req)
		if w.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", w.Code)
		}
		var er ErrorResponse
		_ = json.Unmarshal(w.Body.Bytes(), &er)
		if er.Code != ErrCodeNoTranscript {
			t.Fatalf("expected %q, got %q", ErrCodeNoTranscript, er.Code)
		}
	})

	t.Run("unknown item", func(t *testing.T) {
		svc := &stubCallSvc{trErr: services.ErrItemNotFound}
		r := newTestRouter(New(svc, nil, nil, nil))
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/calls/"+id+"/transcript", nil)
		r.ServeHTTP(w, req)
		if w.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", w.Code)
		}
	})
}

func TestGetAudioURL(t *testing.T) {
	id := uuid.NewString()
	svc := &stubCallSvc{audioURL: "https://signed.example/calls/abc"}
	r := newTestRouter(New(svc, nil, nil, nil))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/calls/"+id+"/audio", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var resp AudioURLResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.URL != svc.audioURL {
		t.Fatalf("bad body: %s err=%v", w.Body.String(), err)
	}

	// missing item → 404
	svc.audioErr = services.ErrItemNotFound
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/calls/"+id+"/audio", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestSearchCalls(t *testing.T) {
	svc := &stubCallSvc{results: []search.Result{{ID: "d1", Title: "billing call", Score: 0.4}}}
	r := newTestRouter(New(svc, nil, nil, nil))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/calls/search?q=billing&k=3", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var resp SearchResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if resp.Query != "billing" || len(resp.Results) != 1 {
		t.Fatalf("unexpected body: %+v", resp)
	}
	if svc.lastK != 3 {
		t.Fatalf("k not forwarded, got %d", svc.lastK)
	}
}

func TestSearchCalls_KClampAndEmptyQuery(t *testing.T) {
	svc := &stubCallSvc{}
	r := newTestRouter(New(svc, nil, nil, nil))

	// k above cap → clamped to 50
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/calls/search?q=x&k=500", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || svc.lastK != 50 {
		t.Fatalf("expected clamp to 50, got code=%d k=%d", w.Code, svc.lastK)
	}

	// nil results render as empty array, not null
	var resp struct {
		Results []search.Result `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if resp.Results == nil {
		t.Fatalf("results must be [] in JSON, body=%s", w.Body.String())
	}

	// empty query → 400
	svc.searchErr = services.ErrEmptyQuery
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/calls/search", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty query, got %d", w.Code)
	}
}

func TestRequeueCall_Success(t *testing.T) {
	oldID := uuid.NewString()
	fresh := &domain.CallItem{ID: uuid.NewString(), Status: domain.StatusAccepted}
	rq := &stubRequeuer{item: fresh}
	svc := &stubCallSvc{items: []domain.CallItem{*fresh}}
	r := newTestRouter(New(svc, rq, nil, nil))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/calls/"+oldID+"/requeue", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var got domain.CallItem
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil || got.ID != fresh.ID {
		t.Fatalf("bad body: %s err=%v", w.Body.String(), err)
	}
	if rq.calls != 1 {
		t.Fatalf("requeuer calls = %d", rq.calls)
	}
}

func TestRequeueCall_ErrorMapping(t *testing.T) {
	id := uuid.NewString()
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"not found", services.ErrItemNotFound, http.StatusNotFound},
		{"not failed", services.ErrNotFailed, http.StatusConflict},
		{"duplicate hash", repo.ErrDuplicateHash, http.StatusConflict},
		{"other", errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rq := &stubRequeuer{err: tc.err}
			r := newTestRouter(New(&stubCallSvc{}, rq, nil, nil))
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/calls/"+id+"/requeue", nil)
			r.ServeHTTP(w, req)
			if w.Code != tc.code {
				t.Fatalf("expected %d, got %d (body=%s)", tc.code, w.Code, w.Body.String())
			}
		})
	}

	// invalid UUID short-circuits before the service
	rq := &stubRequeuer{}
	r := newTestRouter(New(&stubCallSvc{}, rq, nil, nil))
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/calls/nope/requeue", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest || rq.calls != 0 {
		t.Fatalf("expected 400 without service call, got %d calls=%d", w.Code, rq.calls)
	}
}

func TestRequeueCall_IdempotentReplay(t *testing.T) {
	oldID := uuid.NewString()
	fresh := &domain.CallItem{ID: uuid.NewString(), Status: domain.StatusAccepted}
	rq := &stubRequeuer{item: fresh}
	svc := &stubCallSvc{items: []domain.CallItem{*fresh}}
	db := newHandlerDB(t, "handler_idem")

	h := New(svc, rq, nil, nil).WithIdempotency(db, time.Hour)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{},
		func(ctx context.Context, itemID, key string, now time.Time) (bool, error) {
			rec, err := repo.GetIdempotency(ctx, db, itemID, key, now)
			if err != nil || rec == nil {
				return false, nil
			}
			return true, nil
		}))
	r.POST("/calls/:id/requeue", h.RequeueCall)

	const key = "retry-key-1"
	target := "/calls/" + oldID + "/requeue"

	// first attempt runs the requeue and persists the result
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, target, nil)
	req.Header.Set(middleware.HeaderIdempotencyKey, key)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("first attempt = %d body=%s", w.Code, w.Body.String())
	}
	if rq.calls != 1 {
		t.Fatalf("requeuer calls = %d", rq.calls)
	}

	// same key again replays the stored item without a second requeue
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, target, nil)
	req.Header.Set(middleware.HeaderIdempotencyKey, key)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("replay = %d body=%s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Idempotency-Replayed"); got != "true" {
		t.Fatalf("expected replay header, got %q", got)
	}
	if rq.calls != 1 {
		t.Fatalf("requeuer must not run twice, calls=%d", rq.calls)
	}
	var got domain.CallItem
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil || got.ID != fresh.ID {
		t.Fatalf("replay body mismatch: %s err=%v", w.Body.String(), err)
	}

	// a different key runs the requeue again
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, target, nil)
	req.Header.Set(middleware.HeaderIdempotencyKey, "retry-key-2")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusCreated || rq.calls != 2 {
		t.Fatalf("fresh key: code=%d calls=%d", w.Code, rq.calls)
	}
}
