// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Connection
// model that backs WebSocket fan-out. Rows carry an absolute expiry; every
// read filters on it, so an expired row is invisible even before the sweep
// deletes it.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-call-backend/internal/domain"
)

// CreateConnection registers a live WebSocket connection.
func CreateConnection(ctx context.Context, db *gorm.DB, id, ownerID string, ttl time.Duration) (*domain.Connection, error) {
	now := time.Now().UTC()
	c := &domain.Connection{
		ID:            id,
		OwnerID:       ownerID,
		EstablishedAt: now,
		ExpiresAt:     now.Add(ttl),
		LastSeenAt:    now,
	}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

// ListLiveConnections returns every connection whose expiry is still in the
// future, oldest first.
func ListLiveConnections(ctx context.Context, db *gorm.DB, now time.Time) ([]domain.Connection, error) {
	var out []domain.Connection
	err := db.WithContext(ctx).
		Where("expires_at > ?", now).
		Order("established_at asc").
		Find(&out).Error
	return out, err
}

// TouchConnection refreshes the expiry and last-seen timestamps after client
// activity. Returns ErrNotFound when the row is gone (already pruned).
func TouchConnection(ctx context.Context, db *gorm.DB, id string, ttl time.Duration) error {
	now := time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&domain.Connection{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"expires_at":   now.Add(ttl),
			"last_seen_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConnection removes a registration. Deleting an absent row is not an
// error: prune paths race with client-initiated closes.
func DeleteConnection(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).
		Where("id = ?", id).
		Delete(&domain.Connection{}).Error
}

// PurgeExpiredConnections deletes rows whose expiry has passed and returns
// how many were removed.
func PurgeExpiredConnections(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&domain.Connection{})
	return res.RowsAffected, res.Error
}
