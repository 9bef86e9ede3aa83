// Package domain defines the persistence models for the call-processing
// backend: the Drive push subscription, ingested call items, and live
// WebSocket connections. These types are mapped with GORM and form the core
// data layer of the application.
package domain

import (
	"time"
)

// SubscriptionID is the primary key of the single subscription row. The
// application maintains exactly one push channel against the watched folder,
// superseding it in place on renewal.
const SubscriptionID = "drive-watch"

// Subscription records the currently active Google Drive push channel and the
// change cursor from which the next delta query resumes.
//
// Fields:
//   - ID: fixed singleton key (SubscriptionID).
//   - ChannelID: UUID of the active notification channel.
//   - ResourceID: opaque Drive resource identifier bound to the channel.
//   - FolderID: the watched Drive folder.
//   - ExpiresAt: server-assigned channel expiry (~24h after creation).
//   - Status: "active", "renewing" or "failed".
//   - PageToken: change cursor; advanced only after a whole batch is handled.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
type Subscription struct {
	ID         string    `json:"id"          gorm:"type:varchar(32);primaryKey"`
	ChannelID  string    `json:"channel_id"  gorm:"type:char(36);not null"`
	ResourceID string    `json:"resource_id" gorm:"type:varchar(128);not null"`
	FolderID   string    `json:"folder_id"   gorm:"type:varchar(128);not null"`
	ExpiresAt  time.Time `json:"expires_at"  gorm:"not null;index"`
	Status     string    `json:"status"      gorm:"type:varchar(16);not null;check:status IN ('active','renewing','failed')"`
	PageToken  string    `json:"-"           gorm:"type:varchar(128);not null"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName returns the database table name for Subscription.
func (Subscription) TableName() string { return "subscriptions" }

// Subscription status values.
const (
	SubActive   = "active"
	SubRenewing = "renewing"
	SubFailed   = "failed"
)

// CallItem is one ingested call recording moving through the processing
// pipeline. Rows are append-mostly: a failed item is never reset, a requeue
// creates a fresh item that reuses the stored object.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - FileID: Drive file identifier the item originated from.
//   - Name: original file name as uploaded to Drive.
//   - Title: display title derived from the file name.
//   - ContentHash: Drive md5Checksum, or sha256 of the content when Drive
//     omits it. Unique among non-failed items (enforced by the repo layer).
//   - Status: pipeline state, validated by Status.CanTransition.
//   - StorageRef: object key of the stored recording (content-addressed).
//   - TranscriptRef: object key of the transcript, set after transcription.
//   - SummaryRef: object key of the raw summary document.
//   - IssueSentence / KeyDetails / ActionItems / NextSteps / Sentiment:
//     inline structured summary, populated on completion.
//   - ErrorDetail: terminal failure description, set only on FAILED.
//   - Attempts: stage attempts consumed so far (retry accounting).
//   - CreatedAt / UpdatedAt: timestamps managed by GORM; UpdatedAt moves on
//     every state transition.
type CallItem struct {
	ID            string   `json:"id"             gorm:"type:char(36);primaryKey"`
	FileID        string   `json:"file_id"        gorm:"type:varchar(128);not null;index"`
	Name          string   `json:"name"           gorm:"type:varchar(255);not null"`
	Title         string   `json:"title"          gorm:"type:varchar(255);not null"`
	ContentHash   string   `json:"content_hash"   gorm:"type:varchar(64);not null;index:idx_items_hash"`
	Status        Status   `json:"status"         gorm:"type:varchar(16);not null;index"`
	StorageRef    string   `json:"storage_ref"    gorm:"type:varchar(512);not null"`
	TranscriptRef string   `json:"transcript_ref,omitempty" gorm:"type:varchar(512)"`
	SummaryRef    string   `json:"summary_ref,omitempty"    gorm:"type:varchar(512)"`
	IssueSentence string   `json:"issue_sentence,omitempty" gorm:"type:text"`
	KeyDetails    []string `json:"key_details,omitempty"    gorm:"serializer:json"`
	ActionItems   []string `json:"action_items,omitempty"   gorm:"serializer:json"`
	NextSteps     []string `json:"next_steps,omitempty"     gorm:"serializer:json"`
	Sentiment     string   `json:"sentiment,omitempty"      gorm:"type:varchar(16)"`
	ErrorDetail   string   `json:"error_detail,omitempty"   gorm:"type:text"`
	Attempts      int      `json:"attempts"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName returns the database table name for CallItem.
func (CallItem) TableName() string { return "call_items" }

// Connection is a registered WebSocket client. Rows carry an absolute expiry;
// readers treat expired rows as absent and a periodic sweep removes them.
//
// Fields:
//   - ID: connection identifier assigned at accept time.
//   - OwnerID: optional authenticated principal, recorded but not enforced.
//   - EstablishedAt: accept timestamp.
//   - ExpiresAt: absolute TTL; refreshed on client activity.
//   - LastSeenAt: last read or ping observed on the socket.
type Connection struct {
	ID            string    `json:"id"             gorm:"type:char(36);primaryKey"`
	OwnerID       string    `json:"owner_id,omitempty" gorm:"type:varchar(64);index"`
	EstablishedAt time.Time `json:"established_at" gorm:"not null"`
	ExpiresAt     time.Time `json:"expires_at"     gorm:"not null;index"`
	LastSeenAt    time.Time `json:"last_seen_at"   gorm:"not null"`
}

// TableName returns the database table name for Connection.
func (Connection) TableName() string { return "connections" }
