package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-call-backend/internal/domain"
	"github.com/tbourn/go-call-backend/internal/drive"
	"github.com/tbourn/go-call-backend/internal/notify"
)

// bytesReader is shorthand for a string-backed reader in test fixtures.
func bytesReader(s string) io.Reader { return bytes.NewReader([]byte(s)) }

// newServiceDB opens an isolated in-memory database with all models migrated.
func newServiceDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.Subscription{}, &domain.CallItem{}, &domain.Connection{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// fakeProvider is a scriptable drive.Provider.
type fakeProvider struct {
	mu sync.Mutex

	startToken string
	pages      []*drive.ChangePage
	pageIdx    int
	files      map[string][]byte // fileID -> content

	watchErr  error
	watched   []drive.Channel
	stopped   []string // channel IDs
	expiresIn time.Duration

	changesErr  error
	downloadErr error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		startToken: "tok-1",
		files:      map[string][]byte{},
		expiresIn:  24 * time.Hour,
	}
}

func (f *fakeProvider) StartPageToken(ctx context.Context) (string, error) {
	return f.startToken, nil
}

func (f *fakeProvider) Changes(ctx context.Context, pageToken string) (*drive.ChangePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.changesErr != nil {
		return nil, f.changesErr
	}
	if f.pageIdx >= len(f.pages) {
		return &drive.ChangePage{NewStartPageToken: pageToken}, nil
	}
	p := f.pages[f.pageIdx]
	f.pageIdx++
	return p, nil
}

func (f *fakeProvider) Watch(ctx context.Context, folderID, channelID, address, token string) (*drive.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	ch := drive.Channel{
		ID:         channelID,
		ResourceID: "res-" + channelID,
		ExpiresAt:  time.Now().UTC().Add(f.expiresIn),
	}
	f.watched = append(f.watched, ch)
	return &ch, nil
}

func (f *fakeProvider) Stop(ctx context.Context, channelID, resourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, channelID)
	return nil
}

func (f *fakeProvider) Download(ctx context.Context, fileID string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	b, ok := f.files[fileID]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", fileID)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

// fakeStore is an in-memory storage.ObjectStore.
type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
	getErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}}
}

func (s *fakeStore) PutIfAbsent(ctx context.Context, key string, r io.Reader, contentType string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return false, s.putErr
	}
	if _, ok := s.objects[key]; ok {
		return false, nil
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return false, err
	}
	s.objects[key] = b
	return true, nil
}

func (s *fakeStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	b, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such object: %s", key)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (s *fakeStore) SignedURL(key string, ttl time.Duration) (string, error) {
	return "https://signed.example.com/" + key, nil
}

func (s *fakeStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok
}

// fakeQueue records enqueued item IDs.
type fakeQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (q *fakeQueue) Enqueue(itemID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, itemID)
	return nil
}

// fakeBroadcaster records pipeline events.
type fakeBroadcaster struct {
	mu     sync.Mutex
	events []notify.Event
}

func (b *fakeBroadcaster) Broadcast(ctx context.Context, e notify.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return nil
}

func (b *fakeBroadcaster) statuses() []domain.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Status, 0, len(b.events))
	for _, e := range b.events {
		out = append(out, e.Status)
	}
	return out
}

// fakeTranscriber returns a fixed transcript, or errors for the first n calls.
type fakeTranscriber struct {
	mu       sync.Mutex
	text     string
	failures int
	err      error
	calls    int
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return "", f.err
	}
	if f.err != nil && f.failures == 0 && f.text == "" {
		return "", f.err
	}
	return f.text, nil
}

// fakeSummarizer returns a fixed summary, or errors for the first n calls.
type fakeSummarizer struct {
	mu       sync.Mutex
	summary  *Summary
	failures int
	err      error
	calls    int
}

func (f *fakeSummarizer) Summarize(ctx context.Context, transcript string) (*Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, f.err
	}
	if f.summary == nil {
		return nil, f.err
	}
	return f.summary, nil
}
