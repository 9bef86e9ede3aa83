package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-call-backend/internal/domain"
	"github.com/tbourn/go-call-backend/internal/search"
	"github.com/tbourn/go-call-backend/internal/services"
)

// newHandlerDB opens a shared in-memory sqlite and migrates the idempotency
// table used by requeue replays.
func newHandlerDB(t *testing.T, name string) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.Idempotency{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// stubCallSvc is a scriptable CallService.
type stubCallSvc struct {
	items      []domain.CallItem
	total      int64
	listErr    error
	getErr     error
	transcript string
	trErr      error
	audioURL   string
	audioErr   error
	statsCount int64
	statsTS    *time.Time
	statsErr   error
	results    []search.Result
	searchErr  error

	lastStatus   domain.Status
	lastPage     int
	lastPageSize int
	lastQuery    string
	lastK        int
}

func (s *stubCallSvc) ListPage(_ context.Context, status domain.Status, page, pageSize int) ([]domain.CallItem, int64, error) {
	s.lastStatus, s.lastPage, s.lastPageSize = status, page, pageSize
	return s.items, s.total, s.listErr
}

func (s *stubCallSvc) Get(_ context.Context, id string) (*domain.CallItem, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	for i := range s.items {
		if s.items[i].ID == id {
			return &s.items[i], nil
		}
	}
	return nil, services.ErrItemNotFound
}

func (s *stubCallSvc) Transcript(_ context.Context, _ string) (string, error) {
	return s.transcript, s.trErr
}

func (s *stubCallSvc) AudioURL(_ context.Context, _ string) (string, error) {
	return s.audioURL, s.audioErr
}

func (s *stubCallSvc) Stats(_ context.Context, _ domain.Status) (int64, *time.Time, error) {
	return s.statsCount, s.statsTS, s.statsErr
}

func (s *stubCallSvc) Search(_ context.Context, q string, k int) ([]search.Result, error) {
	s.lastQuery, s.lastK = q, k
	return s.results, s.searchErr
}

// stubRequeuer records calls and returns a scripted item or error.
type stubRequeuer struct {
	item  *domain.CallItem
	err   error
	calls int
}

func (s *stubRequeuer) Requeue(_ context.Context, _ string) (*domain.CallItem, error) {
	s.calls++
	return s.item, s.err
}

// stubIngest captures the notification and returns a scripted report.
type stubIngest struct {
	report *services.IngestReport
	err    error
	last   services.Notification
}

func (s *stubIngest) HandleNotification(_ context.Context, n services.Notification) (*services.IngestReport, error) {
	s.last = n
	return s.report, s.err
}

// stubSubSvc scripts subscription status and renewals.
type stubSubSvc struct {
	status   *services.SubscriptionStatus
	statErr  error
	renewErr error
	renewed  int
}

func (s *stubSubSvc) Status(context.Context) (*services.SubscriptionStatus, error) {
	return s.status, s.statErr
}

func (s *stubSubSvc) ForceRenew(context.Context) error {
	s.renewed++
	return s.renewErr
}

// newTestRouter mounts the handler surface without the full middleware stack.
func newTestRouter(h *Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/drive/notifications", h.DriveNotification)
	r.GET("/calls", h.ListCalls)
	r.GET("/calls/search", h.SearchCalls)
	r.GET("/calls/:id", h.GetCall)
	r.GET("/calls/:id/transcript", h.GetTranscript)
	r.GET("/calls/:id/audio", h.GetAudioURL)
	r.POST("/calls/:id/requeue", h.RequeueCall)
	r.GET("/subscription", h.SubscriptionStatus)
	r.POST("/subscription/renew", h.RenewSubscription)
	return r
}
