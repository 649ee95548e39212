// Package repo implements GORM-backed persistence for the domain models.
//
// Idempotency records back the safe-retry behavior of the send endpoint: a
// completed send is remembered per (user, session, key) until its TTL runs
// out, and retries within the window replay the stored assistant message.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/agrisage/agrichat-backend/internal/domain"
)

// ErrDuplicate reports that a live idempotency record already exists for the
// (user_id, session_id, key) tuple.
var ErrDuplicate = errors.New("duplicate")

// GetIdempotency returns the record for the tuple when it has not expired,
// or ErrNotFound.
func GetIdempotency(ctx context.Context, db *gorm.DB, userID, sessionID, key string, now time.Time) (*domain.Idempotency, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrNotFound
	}
	var rec domain.Idempotency
	err := db.WithContext(ctx).
		Where("user_id = ? AND session_id = ? AND key = ? AND expires_at > ?",
			userID, sessionID, key, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateIdempotency records a completed send. A key whose previous record has
// expired may be reused; a live record for the same tuple yields ErrDuplicate.
func CreateIdempotency(ctx context.Context, db *gorm.DB, userID, sessionID, key, messageID string, status int, ttl time.Duration) (*domain.Idempotency, error) {
	now := time.Now().UTC()
	rec := &domain.Idempotency{
		ID:        uuid.NewString(),
		UserID:    userID,
		SessionID: sessionID,
		Key:       key,
		MessageID: messageID,
		Status:    status,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	err := db.WithContext(ctx).Create(rec).Error
	if err != nil && isUniqueViolation(err) {
		// The tuple is taken. If only by an expired row, evict it and retry
		// once so a stale key does not block retries forever.
		res := db.WithContext(ctx).
			Where("user_id = ? AND session_id = ? AND key = ? AND expires_at <= ?",
				userID, sessionID, key, now).
			Delete(&domain.Idempotency{})
		if res.Error == nil && res.RowsAffected > 0 {
			err = db.WithContext(ctx).Create(rec).Error
		}
		if err != nil && isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// PurgeExpiredIdempotency deletes every record whose TTL has elapsed and
// returns how many rows went away.
func PurgeExpiredIdempotency(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&domain.Idempotency{})
	return res.RowsAffected, res.Error
}

// isUniqueViolation matches both the typed GORM error and the plain-text
// messages the pure-Go sqlite driver produces for UNIQUE failures.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}
