// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the single
// Subscription row that tracks the active Drive push channel and change cursor.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When the subscription row is missing, functions return ErrNotFound.
//   - Conditional updates that match no row (a concurrent writer got there
//     first) return ErrNotFound so callers can reload and decide.
//   - On other DB errors, the raw gorm error is propagated.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-call-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// GetSubscription fetches the singleton subscription row, or ErrNotFound
// when the application has never registered a channel.
func GetSubscription(ctx context.Context, db *gorm.DB) (*domain.Subscription, error) {
	var s domain.Subscription
	err := db.WithContext(ctx).
		Where("id = ?", domain.SubscriptionID).
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSubscription inserts the singleton row. Used once, on bootstrap.
func CreateSubscription(ctx context.Context, db *gorm.DB, sub *domain.Subscription) error {
	sub.ID = domain.SubscriptionID
	now := time.Now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	return db.WithContext(ctx).Create(sub).Error
}

// SupersedeChannel replaces the active channel fields in place, but only if
// the row still carries oldChannelID. The guard makes concurrent renewals
// safe: the loser matches no row and gets ErrNotFound.
func SupersedeChannel(ctx context.Context, db *gorm.DB, oldChannelID, channelID, resourceID string, expiresAt time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.Subscription{}).
		Where("id = ? AND channel_id = ?", domain.SubscriptionID, oldChannelID).
		Updates(map[string]any{
			"channel_id":  channelID,
			"resource_id": resourceID,
			"expires_at":  expiresAt,
			"status":      domain.SubActive,
			"updated_at":  time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSubscriptionStatus updates only the status column. ExpiresAt is left
// untouched so a failed renewal never masks the real remaining lifetime.
func SetSubscriptionStatus(ctx context.Context, db *gorm.DB, status string) error {
	res := db.WithContext(ctx).
		Model(&domain.Subscription{}).
		Where("id = ?", domain.SubscriptionID).
		Updates(map[string]any{
			"status":     status,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AdvancePageToken persists the change cursor. Callers must invoke this only
// after every change of the batch has been handled; the cursor is what makes
// a crash re-deliver instead of drop.
func AdvancePageToken(ctx context.Context, db *gorm.DB, token string) error {
	res := db.WithContext(ctx).
		Model(&domain.Subscription{}).
		Where("id = ?", domain.SubscriptionID).
		Updates(map[string]any{
			"page_token": token,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
