package domain

import (
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newDomainDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:domain_models?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

func TestTableNames(t *testing.T) {
	if (Subscription{}).TableName() != "subscriptions" {
		t.Fatalf("Subscription.TableName() = %q; want %q", (Subscription{}).TableName(), "subscriptions")
	}
	if (CallItem{}).TableName() != "call_items" {
		t.Fatalf("CallItem.TableName() = %q; want %q", (CallItem{}).TableName(), "call_items")
	}
	if (Connection{}).TableName() != "connections" {
		t.Fatalf("Connection.TableName() = %q; want %q", (Connection{}).TableName(), "connections")
	}
}

func TestMigrations_Indexes_AndRoundTrip(t *testing.T) {
	db := newDomainDB(t)

	if err := db.AutoMigrate(&Subscription{}, &CallItem{}, &Connection{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	m := db.Migrator()

	for _, tbl := range []any{&Subscription{}, &CallItem{}, &Connection{}} {
		if !m.HasTable(tbl) {
			t.Fatalf("expected table for %T to exist", tbl)
		}
	}
	if !m.HasIndex(&CallItem{}, "idx_items_hash") {
		t.Fatalf("expected index idx_items_hash on call_items")
	}

	now := time.Now().UTC()

	sub := &Subscription{
		ID:         SubscriptionID,
		ChannelID:  "ch-1",
		ResourceID: "res-1",
		FolderID:   "folder-1",
		ExpiresAt:  now.Add(24 * time.Hour),
		Status:     SubActive,
		PageToken:  "100",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := db.Create(sub).Error; err != nil {
		t.Fatalf("insert subscription: %v", err)
	}

	item := &CallItem{
		ID:          "i1",
		FileID:      "f1",
		Name:        "call_20260101.mp3",
		Title:       "Call 20260101",
		ContentHash: "abc123",
		Status:      StatusAccepted,
		StorageRef:  "calls/abc123/call_20260101.mp3",
		KeyDetails:  []string{"billing dispute", "second call this month"},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := db.Create(item).Error; err != nil {
		t.Fatalf("insert item: %v", err)
	}

	var got CallItem
	if err := db.First(&got, "id = ?", "i1").Error; err != nil {
		t.Fatalf("readback: %v", err)
	}
	if got.Status != StatusAccepted {
		t.Fatalf("status = %q; want %q", got.Status, StatusAccepted)
	}
	if len(got.KeyDetails) != 2 || got.KeyDetails[0] != "billing dispute" {
		t.Fatalf("key details did not round-trip: %+v", got.KeyDetails)
	}

	conn := &Connection{
		ID:            "c1",
		EstablishedAt: now,
		ExpiresAt:     now.Add(24 * time.Hour),
		LastSeenAt:    now,
	}
	if err := db.Create(conn).Error; err != nil {
		t.Fatalf("insert connection: %v", err)
	}
}

func TestSubscription_StatusCheckConstraint(t *testing.T) {
	db := newDomainDB(t)
	if err := db.AutoMigrate(&Subscription{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	now := time.Now().UTC()
	err := db.Create(&Subscription{
		ID:         "bad",
		ChannelID:  "ch",
		ResourceID: "r",
		FolderID:   "f",
		ExpiresAt:  now,
		Status:     "bogus",
		PageToken:  "1",
	}).Error
	if err == nil {
		t.Fatalf("expected CHECK violation for status %q", "bogus")
	}
}
