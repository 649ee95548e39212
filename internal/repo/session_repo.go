// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the ChatSession
// model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a session is not found (or not owned by the caller), functions
//     return gorm.ErrRecordNotFound (also exported here as ErrNotFound).
//     Ownership mismatches are deliberately indistinguishable from missing
//     rows so that session existence never leaks across users.
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
//
// This repository is designed to be wrapped by a higher-level service
// (see services.SessionService) which enforces business rules such as title
// normalization and cascade semantics.
package repo

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"

	"github.com/agrisage/agrichat-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// NewSessionID returns a fresh ULID string for use as a session primary key.
// ULIDs are collision-free and sort by creation time, which keeps session
// listings cheap without relying on wall-clock identifiers.
func NewSessionID() string { return ulid.Make().String() }

// CreateSession inserts a new ChatSession row owned by userID with the given
// title. The session ID is a freshly generated ULID and CreatedAt/UpdatedAt
// are set to UTC now.
func CreateSession(ctx context.Context, db *gorm.DB, userID, title string) (*domain.ChatSession, error) {
	now := time.Now().UTC()
	s := &domain.ChatSession{
		ID:        NewSessionID(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.WithContext(ctx).Create(s).Error; err != nil {
		return nil, err
	}
	return s, nil
}

// GetSession fetches a single session by its ID and owner (userID). If the
// record does not exist or belongs to another user, it returns ErrNotFound.
func GetSession(ctx context.Context, db *gorm.DB, id, userID string) (*domain.ChatSession, error) {
	var s domain.ChatSession
	err := db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CountSessions returns the total number of sessions owned by userID.
// Archived sessions are excluded unless includeArchived is true.
func CountSessions(ctx context.Context, db *gorm.DB, userID string, includeArchived bool) (int64, error) {
	q := db.WithContext(ctx).
		Model(&domain.ChatSession{}).
		Where("user_id = ?", userID)
	if !includeArchived {
		q = q.Where("archived = ?", false)
	}
	var total int64
	err := q.Count(&total).Error
	return total, err
}

// ListSessionsPage returns a paginated slice of sessions for userID, ordered
// by UpdatedAt descending (most recently touched conversation first, matching
// the client's session drawer). Use CountSessions to obtain the total for
// pagination metadata.
//
// The caller is responsible for computing offset and limit (e.g., (page-1)*pageSize).
func ListSessionsPage(ctx context.Context, db *gorm.DB, userID string, includeArchived bool, offset, limit int) ([]domain.ChatSession, error) {
	q := db.WithContext(ctx).
		Where("user_id = ?", userID)
	if !includeArchived {
		q = q.Where("archived = ?", false)
	}
	var out []domain.ChatSession
	err := q.
		Order("updated_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// UpdateSessionTitle updates the title of a session identified by id and owned
// by userID, bumping UpdatedAt. If no rows are affected (session missing or
// not owned by userID), it returns ErrNotFound.
func UpdateSessionTitle(ctx context.Context, db *gorm.DB, id, userID, title string) error {
	res := db.WithContext(ctx).
		Model(&domain.ChatSession{}).
		Where("id = ? AND user_id = ?", id, userID).
		Updates(map[string]any{"title": title, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ArchiveSession sets the archived flag of a session owned by userID.
// Returns ErrNotFound when the session is missing or not owned.
func ArchiveSession(ctx context.Context, db *gorm.DB, id, userID string, archived bool) error {
	res := db.WithContext(ctx).
		Model(&domain.ChatSession{}).
		Where("id = ? AND user_id = ?", id, userID).
		Updates(map[string]any{"archived": archived, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// DeleteSession permanently removes a session and all of its messages in one
// transaction. Returns ErrNotFound when the session is missing or not owned.
//
// Message rows are deleted explicitly rather than relying on the FK cascade
// so the operation behaves identically on databases where foreign keys are
// not enforced.
func DeleteSession(ctx context.Context, db *gorm.DB, id, userID string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND user_id = ?", id, userID).Delete(&domain.ChatSession{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Where("session_id = ?", id).Delete(&domain.ChatMessage{}).Error
	})
}

// TouchSession sets UpdatedAt to now for the given session. It is invoked
// after every committed message mutation and is idempotent: concurrent calls
// race harmlessly, all writing "some recent" timestamp.
//
// Unlike the owner-scoped updates above, Touch is keyed by session ID alone
// because it only runs after ownership has already been verified.
func TouchSession(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).
		Model(&domain.ChatSession{}).
		Where("id = ?", id).
		Update("updated_at", time.Now().UTC()).Error
}
