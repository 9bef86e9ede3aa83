package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-call-backend/internal/domain"
	"github.com/tbourn/go-call-backend/internal/drive"
	"github.com/tbourn/go-call-backend/internal/repo"
)

func seedSubscription(t *testing.T, db *gorm.DB, pageToken string) {
	t.Helper()
	sub := &domain.Subscription{
		ChannelID:  "chan-1",
		ResourceID: "res-1",
		FolderID:   "folder-1",
		ExpiresAt:  time.Now().UTC().Add(24 * time.Hour),
		Status:     domain.SubActive,
		PageToken:  pageToken,
	}
	if err := repo.CreateSubscription(context.Background(), db, sub); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
}

func audioFile(id, name, md5 string, size int64) *drive.FileMeta {
	return &drive.FileMeta{
		ID:          id,
		Name:        name,
		MimeType:    "audio/mpeg",
		MD5Checksum: md5,
		Size:        size,
		Parents:     []string{"folder-1"},
	}
}

func TestIngest_RejectsBadToken(t *testing.T) {
	db := newServiceDB(t)
	svc := NewIngestService(db, newFakeProvider(), newFakeStore(), &fakeQueue{}, testDriveConfig())

	_, err := svc.HandleNotification(context.Background(), Notification{
		ChannelID: "chan-1", ResourceState: "change", Token: "wrong",
	})
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestIngest_SyncHandshakeIsNoop(t *testing.T) {
	db := newServiceDB(t)
	p := newFakeProvider()
	svc := NewIngestService(db, p, newFakeStore(), &fakeQueue{}, testDriveConfig())

	rep, err := svc.HandleNotification(context.Background(), Notification{
		ChannelID: "chan-1", ResourceState: "sync", Token: "secret",
	})
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if *rep != (IngestReport{}) {
		t.Fatalf("handshake should do no work: %+v", rep)
	}
}

func TestIngest_IgnoresSupersededChannel(t *testing.T) {
	db := newServiceDB(t)
	seedSubscription(t, db, "tok-1")
	p := newFakeProvider()
	p.pages = []*drive.ChangePage{{
		Changes:           []drive.Change{{FileID: "f1", File: audioFile("f1", "a.mp3", "h1", 10)}},
		NewStartPageToken: "tok-2",
	}}
	svc := NewIngestService(db, p, newFakeStore(), &fakeQueue{}, testDriveConfig())

	rep, err := svc.HandleNotification(context.Background(), Notification{
		ChannelID: "old-channel", ResourceState: "change", Token: "secret",
	})
	if err != nil {
		t.Fatalf("notification: %v", err)
	}
	if rep.Transferred != 0 {
		t.Fatalf("stale channel must not trigger a sync: %+v", rep)
	}
}

func TestIngest_TransfersNewRecording(t *testing.T) {
	db := newServiceDB(t)
	seedSubscription(t, db, "tok-1")

	p := newFakeProvider()
	p.files["f1"] = []byte("audio-bytes")
	p.pages = []*drive.ChangePage{{
		Changes:           []drive.Change{{FileID: "f1", File: audioFile("f1", "call one.mp3", "md5hash1", 11)}},
		NewStartPageToken: "tok-2",
	}}
	store := newFakeStore()
	q := &fakeQueue{}
	svc := NewIngestService(db, p, store, q, testDriveConfig())

	rep, err := svc.HandleNotification(context.Background(), Notification{
		ChannelID: "chan-1", ResourceState: "change", Token: "secret",
	})
	if err != nil {
		t.Fatalf("notification: %v", err)
	}
	if rep.Transferred != 1 {
		t.Fatalf("report = %+v; want 1 transferred", rep)
	}

	if !store.has("calls/md5hash1/call one.mp3") {
		t.Fatalf("recording not stored: %v", store.objects)
	}

	items, err := repo.ListItemsByStatus(context.Background(), db, domain.StatusAccepted)
	if err != nil || len(items) != 1 {
		t.Fatalf("expected 1 accepted item: %v %v", items, err)
	}
	it := items[0]
	if it.ContentHash != "md5hash1" || it.FileID != "f1" || it.StorageRef != "calls/md5hash1/call one.mp3" {
		t.Fatalf("unexpected item: %+v", it)
	}
	if it.Title != "Call One" {
		t.Fatalf("title = %q; want derived from filename", it.Title)
	}
	if len(q.ids) != 1 || q.ids[0] != it.ID {
		t.Fatalf("item not enqueued: %v", q.ids)
	}

	sub, _ := repo.GetSubscription(context.Background(), db)
	if sub.PageToken != "tok-2" {
		t.Fatalf("cursor = %q; want tok-2", sub.PageToken)
	}
}

func TestIngest_DuplicateByHash(t *testing.T) {
	db := newServiceDB(t)
	seedSubscription(t, db, "tok-1")

	p := newFakeProvider()
	p.files["f1"] = []byte("audio")
	p.files["f2"] = []byte("audio")
	// Same content uploaded twice under different names.
	p.pages = []*drive.ChangePage{{
		Changes: []drive.Change{
			{FileID: "f1", File: audioFile("f1", "a.mp3", "same-hash", 5)},
			{FileID: "f2", File: audioFile("f2", "b.mp3", "same-hash", 5)},
		},
		NewStartPageToken: "tok-2",
	}}
	svc := NewIngestService(db, p, newFakeStore(), &fakeQueue{}, testDriveConfig())

	rep, err := svc.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if rep.Transferred != 1 || rep.Duplicate != 1 {
		t.Fatalf("report = %+v; want 1 transferred, 1 duplicate", rep)
	}

	var n int64
	db.Model(&domain.CallItem{}).Count(&n)
	if n != 1 {
		t.Fatalf("expected exactly one item, got %d", n)
	}
}

func TestIngest_HashesContentWhenChecksumMissing(t *testing.T) {
	db := newServiceDB(t)
	seedSubscription(t, db, "tok-1")

	content := []byte("raw audio content")
	sum := sha256.Sum256(content)
	wantHash := hex.EncodeToString(sum[:])

	p := newFakeProvider()
	p.files["f1"] = content
	p.pages = []*drive.ChangePage{{
		Changes:           []drive.Change{{FileID: "f1", File: audioFile("f1", "c.wav", "", int64(len(content)))}},
		NewStartPageToken: "tok-2",
	}}
	store := newFakeStore()
	svc := NewIngestService(db, p, store, &fakeQueue{}, testDriveConfig())

	rep, err := svc.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if rep.Transferred != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if !store.has("calls/" + wantHash + "/c.wav") {
		t.Fatalf("object not stored under sha256 key: %v", store.objects)
	}
}

func TestIngest_FiltersChanges(t *testing.T) {
	db := newServiceDB(t)
	seedSubscription(t, db, "tok-1")

	folder := &drive.FileMeta{ID: "d1", Name: "sub", MimeType: "application/vnd.google-apps.folder", Parents: []string{"folder-1"}}
	outside := audioFile("f2", "out.mp3", "h2", 10)
	outside.Parents = []string{"other-folder"}
	huge := audioFile("f3", "big.mp3", "h3", (512<<20)+1)
	textFile := audioFile("f4", "notes.txt", "h4", 10)

	p := newFakeProvider()
	p.pages = []*drive.ChangePage{{
		Changes: []drive.Change{
			{FileID: "d1", File: folder},
			{FileID: "f2", File: outside},
			{FileID: "f3", File: huge},
			{FileID: "f4", File: textFile},
			{FileID: "f5", Removed: true},
			{FileID: "f6", File: &drive.FileMeta{ID: "f6", Name: "t.mp3", Trashed: true}},
		},
		NewStartPageToken: "tok-2",
	}}
	svc := NewIngestService(db, p, newFakeStore(), &fakeQueue{}, testDriveConfig())

	rep, err := svc.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if rep.Skipped != 4 || rep.Removed != 2 || rep.Transferred != 0 {
		t.Fatalf("report = %+v; want 4 skipped, 2 removed", rep)
	}
}

func TestIngest_DownloadFailureCountsFailed(t *testing.T) {
	db := newServiceDB(t)
	seedSubscription(t, db, "tok-1")

	p := newFakeProvider()
	p.downloadErr = errors.New("drive unavailable")
	p.pages = []*drive.ChangePage{{
		Changes:           []drive.Change{{FileID: "f1", File: audioFile("f1", "a.mp3", "h1", 5)}},
		NewStartPageToken: "tok-2",
	}}
	svc := NewIngestService(db, p, newFakeStore(), &fakeQueue{}, testDriveConfig())

	rep, err := svc.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if rep.Failed != 1 {
		t.Fatalf("report = %+v; want 1 failed", rep)
	}

	// The cursor must not move past the failure: the next sync has to see
	// the same change again.
	sub, _ := repo.GetSubscription(context.Background(), db)
	if sub.PageToken != "tok-1" {
		t.Fatalf("cursor = %q; want tok-1 held for retry", sub.PageToken)
	}
}

func TestIngest_FailureStopsPaging(t *testing.T) {
	db := newServiceDB(t)
	seedSubscription(t, db, "tok-1")

	p := newFakeProvider()
	p.downloadErr = errors.New("drive unavailable")
	p.pages = []*drive.ChangePage{
		{
			Changes:       []drive.Change{{FileID: "f1", File: audioFile("f1", "a.mp3", "h1", 5)}},
			NextPageToken: "tok-mid",
		},
		{
			Changes:           []drive.Change{{FileID: "f2", File: audioFile("f2", "b.mp3", "h2", 5)}},
			NewStartPageToken: "tok-final",
		},
	}
	svc := NewIngestService(db, p, newFakeStore(), &fakeQueue{}, testDriveConfig())

	rep, err := svc.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if rep.Failed != 1 {
		t.Fatalf("report = %+v; want sync halted after the first failed page", rep)
	}
	sub, _ := repo.GetSubscription(context.Background(), db)
	if sub.PageToken != "tok-1" {
		t.Fatalf("cursor = %q; want tok-1 held for retry", sub.PageToken)
	}
}

func TestIngest_PagesThroughChanges(t *testing.T) {
	db := newServiceDB(t)
	seedSubscription(t, db, "tok-1")

	p := newFakeProvider()
	p.files["f1"] = []byte("one")
	p.files["f2"] = []byte("two")
	p.pages = []*drive.ChangePage{
		{
			Changes:       []drive.Change{{FileID: "f1", File: audioFile("f1", "a.mp3", "h1", 3)}},
			NextPageToken: "tok-mid",
		},
		{
			Changes:           []drive.Change{{FileID: "f2", File: audioFile("f2", "b.mp3", "h2", 3)}},
			NewStartPageToken: "tok-final",
		},
	}
	svc := NewIngestService(db, p, newFakeStore(), &fakeQueue{}, testDriveConfig())

	rep, err := svc.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if rep.Transferred != 2 {
		t.Fatalf("report = %+v; want 2 transferred", rep)
	}
	sub, _ := repo.GetSubscription(context.Background(), db)
	if sub.PageToken != "tok-final" {
		t.Fatalf("cursor = %q; want tok-final", sub.PageToken)
	}
}

func TestIngest_NoSubscription(t *testing.T) {
	db := newServiceDB(t)
	svc := NewIngestService(db, newFakeProvider(), newFakeStore(), &fakeQueue{}, testDriveConfig())

	if _, err := svc.Sync(context.Background()); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Fatalf("expected ErrSubscriptionNotFound, got %v", err)
	}
}

func TestTitleFromName(t *testing.T) {
	cases := map[string]string{
		"support_call-2024.mp3": "Support Call 2024",
		"SIMPLE.wav":            "Simple",
		"  ":                    "  ",
	}
	for in, want := range cases {
		if got := titleFromName(in); got != want {
			t.Errorf("titleFromName(%q) = %q; want %q", in, got, want)
		}
	}
}
