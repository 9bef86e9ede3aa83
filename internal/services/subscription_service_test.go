package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/go-call-backend/internal/config"
	"github.com/tbourn/go-call-backend/internal/domain"
	"github.com/tbourn/go-call-backend/internal/repo"
)

func testDriveConfig() config.DriveConfig {
	return config.DriveConfig{
		FolderID:       "folder-1",
		WebhookURL:     "https://example.com/webhook",
		ChannelToken:   "secret",
		RenewInterval:  6 * time.Hour,
		RenewThreshold: 8 * time.Hour,
		MaxFileSize:    512 << 20,
		Extensions:     []string{".mp3", ".wav"},
	}
}

func TestSubscriptionService_TickBootstraps(t *testing.T) {
	db := newServiceDB(t)
	p := newFakeProvider()
	svc := NewSubscriptionService(db, p, testDriveConfig())

	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	sub, err := repo.GetSubscription(context.Background(), db)
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if sub.Status != domain.SubActive {
		t.Fatalf("status = %q; want active", sub.Status)
	}
	if sub.PageToken != "tok-1" {
		t.Fatalf("page token = %q; want tok-1", sub.PageToken)
	}
	if sub.FolderID != "folder-1" {
		t.Fatalf("folder = %q", sub.FolderID)
	}
	if len(p.watched) != 1 || sub.ChannelID != p.watched[0].ID {
		t.Fatalf("channel not registered: %+v vs %+v", sub, p.watched)
	}
}

func TestSubscriptionService_TickNoopWhenHealthy(t *testing.T) {
	db := newServiceDB(t)
	p := newFakeProvider()
	svc := NewSubscriptionService(db, p, testDriveConfig())

	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	// Channel expires in 24h, threshold is 8h: nothing to do.
	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if len(p.watched) != 1 {
		t.Fatalf("healthy channel must not be re-registered, watched=%d", len(p.watched))
	}
}

func TestSubscriptionService_TickRenewsNearExpiry(t *testing.T) {
	db := newServiceDB(t)
	p := newFakeProvider()
	svc := NewSubscriptionService(db, p, testDriveConfig())

	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	old, _ := repo.GetSubscription(context.Background(), db)

	// Push the channel under the renewal threshold.
	db.Model(&domain.Subscription{}).
		Where("id = ?", domain.SubscriptionID).
		Update("expires_at", time.Now().UTC().Add(time.Hour))

	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("renewal tick: %v", err)
	}

	sub, _ := repo.GetSubscription(context.Background(), db)
	if sub.ChannelID == old.ChannelID {
		t.Fatalf("channel should have been superseded")
	}
	if sub.Status != domain.SubActive {
		t.Fatalf("status = %q; want active", sub.Status)
	}
	if len(p.stopped) != 1 || p.stopped[0] != old.ChannelID {
		t.Fatalf("old channel not stopped: %v", p.stopped)
	}
	if sub.PageToken != old.PageToken {
		t.Fatalf("renewal must not move the change cursor")
	}
}

func TestSubscriptionService_RenewalFailureMarksFailed(t *testing.T) {
	db := newServiceDB(t)
	p := newFakeProvider()
	svc := NewSubscriptionService(db, p, testDriveConfig())

	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	old, _ := repo.GetSubscription(context.Background(), db)

	db.Model(&domain.Subscription{}).
		Where("id = ?", domain.SubscriptionID).
		Update("expires_at", time.Now().UTC().Add(time.Hour))
	p.watchErr = errors.New("watch quota exceeded")

	if err := svc.Tick(context.Background()); err == nil {
		t.Fatalf("expected renewal error")
	}

	sub, _ := repo.GetSubscription(context.Background(), db)
	if sub.Status != domain.SubFailed {
		t.Fatalf("status = %q; want failed", sub.Status)
	}
	if sub.ChannelID != old.ChannelID {
		t.Fatalf("failed renewal must not change the channel")
	}
	// Expiry must reflect reality, not the failed attempt.
	if sub.ExpiresAt.After(time.Now().UTC().Add(2 * time.Hour)) {
		t.Fatalf("expires_at was altered on failure: %v", sub.ExpiresAt)
	}
}

func TestSubscriptionService_FailedStatusRetriesNextTick(t *testing.T) {
	db := newServiceDB(t)
	p := newFakeProvider()
	svc := NewSubscriptionService(db, p, testDriveConfig())

	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	db.Model(&domain.Subscription{}).
		Where("id = ?", domain.SubscriptionID).
		Update("expires_at", time.Now().UTC().Add(time.Hour))

	p.watchErr = errors.New("transient")
	_ = svc.Tick(context.Background())
	p.watchErr = nil

	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("retry tick: %v", err)
	}
	sub, _ := repo.GetSubscription(context.Background(), db)
	if sub.Status != domain.SubActive {
		t.Fatalf("status = %q; want active after recovery", sub.Status)
	}
}

func TestSubscriptionService_ForceRenew(t *testing.T) {
	db := newServiceDB(t)
	p := newFakeProvider()
	svc := NewSubscriptionService(db, p, testDriveConfig())

	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	old, _ := repo.GetSubscription(context.Background(), db)

	// Channel is healthy but ForceRenew swaps it anyway.
	if err := svc.ForceRenew(context.Background()); err != nil {
		t.Fatalf("ForceRenew: %v", err)
	}
	sub, _ := repo.GetSubscription(context.Background(), db)
	if sub.ChannelID == old.ChannelID {
		t.Fatalf("ForceRenew should supersede the channel")
	}
}

func TestSubscriptionService_Status(t *testing.T) {
	db := newServiceDB(t)
	p := newFakeProvider()
	svc := NewSubscriptionService(db, p, testDriveConfig())

	if _, err := svc.Status(context.Background()); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Fatalf("expected ErrSubscriptionNotFound, got %v", err)
	}

	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	st, err := svc.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Status != domain.SubActive || st.ChannelID == "" || st.FolderID != "folder-1" {
		t.Fatalf("unexpected status: %+v", st)
	}
}
