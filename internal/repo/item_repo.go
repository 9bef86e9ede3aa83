// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the CallItem
// model: idempotent creation keyed by content hash, compare-and-set status
// transitions, and the list/detail queries behind the HTTP API.
//
// Error semantics:
//   - Missing records surface as ErrNotFound.
//   - A create whose content hash collides with a live (non-FAILED) item
//     returns ErrDuplicateHash.
//   - A transition whose precondition no longer holds (another worker moved
//     the item first, or the step is illegal) returns ErrConflict.
//   - On other DB errors, the raw gorm error is propagated.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-call-backend/internal/domain"
)

// ErrDuplicateHash indicates an item with the same content hash already
// exists in a non-failed state.
var ErrDuplicateHash = errors.New("duplicate content hash")

// ErrConflict indicates a compare-and-set update matched no row: the item
// moved to another state between read and write.
var ErrConflict = errors.New("conflicting state transition")

// CreateItem inserts item unless a non-failed item with the same content
// hash already exists. The lookup and insert run in one transaction so two
// concurrent deliveries of the same file cannot both create a row.
//
// On collision it returns ErrDuplicateHash and leaves item unmodified.
func CreateItem(ctx context.Context, db *gorm.DB, item *domain.CallItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		err := tx.Model(&domain.CallItem{}).
			Where("content_hash = ? AND status <> ?", item.ContentHash, domain.StatusFailed).
			Count(&n).Error
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicateHash
		}
		return tx.Create(item).Error
	})
}

// GetItem fetches a single item by ID, or ErrNotFound.
func GetItem(ctx context.Context, db *gorm.DB, id string) (*domain.CallItem, error) {
	var it domain.CallItem
	err := db.WithContext(ctx).
		Where("id = ?", id).
		First(&it).Error
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// FindActiveByHash returns the non-failed item carrying hash, or ErrNotFound.
func FindActiveByHash(ctx context.Context, db *gorm.DB, hash string) (*domain.CallItem, error) {
	var it domain.CallItem
	err := db.WithContext(ctx).
		Where("content_hash = ? AND status <> ?", hash, domain.StatusFailed).
		First(&it).Error
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// CountItems returns the number of items, optionally filtered by status
// (empty status means all).
func CountItems(ctx context.Context, db *gorm.DB, status domain.Status) (int64, error) {
	q := db.WithContext(ctx).Model(&domain.CallItem{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var total int64
	err := q.Count(&total).Error
	return total, err
}

// ListItemsPage returns a paginated slice of items ordered by creation time
// descending (most recent first), optionally filtered by status. Use
// CountItems to obtain the total for pagination metadata.
//
// The caller is responsible for computing offset and limit (e.g., (page-1)*pageSize).
func ListItemsPage(ctx context.Context, db *gorm.DB, status domain.Status, offset, limit int) ([]domain.CallItem, error) {
	q := db.WithContext(ctx).Model(&domain.CallItem{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []domain.CallItem
	err := q.
		Order("created_at desc, id desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListItemsByStatus returns all items in the given states, oldest first.
// The pipeline uses it on startup to re-enqueue work that was in flight
// when the process died.
func ListItemsByStatus(ctx context.Context, db *gorm.DB, statuses ...domain.Status) ([]domain.CallItem, error) {
	var out []domain.CallItem
	err := db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("created_at asc").
		Find(&out).Error
	return out, err
}

// TransitionItem moves an item from one status to another with a
// compare-and-set: the UPDATE only matches while the row still holds the
// expected `from` status. Extra column updates ride along atomically with
// the transition (stage results, error detail, attempt counts).
//
// Returns ErrConflict when the step is not a legal move of the state machine
// or the precondition fails on an existing row, and ErrNotFound when the item
// does not exist at all.
func TransitionItem(ctx context.Context, db *gorm.DB, id string, from, to domain.Status, extra map[string]any) error {
	if !from.CanTransition(to) {
		return ErrConflict
	}
	updates := map[string]any{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	for k, v := range extra {
		updates[k] = v
	}
	res := db.WithContext(ctx).
		Model(&domain.CallItem{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := db.WithContext(ctx).Model(&domain.CallItem{}).Where("id = ?", id).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// BumpAttempts increments the retry counter without touching status.
func BumpAttempts(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).
		Model(&domain.CallItem{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
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

// ListCompletedSummaries returns (id, title, inline summary) tuples for all
// completed items, feeding the keyword search index.
func ListCompletedSummaries(ctx context.Context, db *gorm.DB) ([]domain.CallItem, error) {
	var out []domain.CallItem
	err := db.WithContext(ctx).
		Select("id", "title", "issue_sentence", "key_details", "action_items", "next_steps", "sentiment").
		Where("status = ?", domain.StatusCompleted).
		Order("updated_at desc").
		Find(&out).Error
	return out, err
}
