// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the ChatMessage
// model: an append-only, multi-variant log of turns keyed by
// (session, position, variant index).
//
// Activation bookkeeping is done with single-statement conditional updates so
// that a concurrent reader can never observe a turn group with zero or two
// active variants.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/agrisage/agrichat-backend/internal/domain"
)

// NextTurnPosition returns one past the highest turn position currently used
// in the session, or 0 when the session has no messages. It reads committed
// state at call time; callers that pair it with AppendTurn must serialize per
// session (see services.ConversationService) so positions cannot collide.
func NextTurnPosition(ctx context.Context, db *gorm.DB, sessionID string) (int, error) {
	var next int
	err := db.WithContext(ctx).
		Raw("SELECT COALESCE(MAX(position) + 1, 0) FROM chat_messages WHERE session_id = ?", sessionID).
		Scan(&next).Error
	return next, err
}

// MaxVariantIndex returns the highest variant index at (sessionID, position),
// or -1 when the turn group is empty.
func MaxVariantIndex(ctx context.Context, db *gorm.DB, sessionID string, position int) (int, error) {
	max := -1
	err := db.WithContext(ctx).
		Raw("SELECT COALESCE(MAX(variant_index), -1) FROM chat_messages WHERE session_id = ? AND position = ?",
			sessionID, position).
		Scan(&max).Error
	return max, err
}

// AppendTurn inserts a new turn-variant row. The caller decides the active
// flag: the first variant at a position is appended active, while regenerated
// variants go through AppendVariantExclusive so activation switches atomically.
func AppendTurn(db *gorm.DB, sessionID string, position int, role, content string, variantIndex int, active bool, meta domain.MessageMeta) (*domain.ChatMessage, error) {
	now := time.Now().UTC()
	m := &domain.ChatMessage{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		Position:     position,
		Role:         role,
		Content:      content,
		VariantIndex: variantIndex,
		Active:       active,
		Meta:         meta,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return m, db.Create(m).Error
}

// AppendVariantExclusive creates the next variant at (sessionID, position) and
// makes it the single active variant of that turn group, all inside one
// transaction. The new variant index is 1 + the current maximum, so indices
// stay contiguous in creation order.
func AppendVariantExclusive(ctx context.Context, db *gorm.DB, sessionID string, position int, role, content string, meta domain.MessageMeta) (*domain.ChatMessage, error) {
	var created *domain.ChatMessage
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		next, err := MaxVariantIndex(ctx, tx, sessionID, position)
		if err != nil {
			return err
		}
		next++

		// Demote every sibling first, then insert the newcomer active. Both
		// writes commit together, so readers see either the old active
		// variant or the new one, never neither.
		if err := tx.Model(&domain.ChatMessage{}).
			Where("session_id = ? AND position = ? AND active = ?", sessionID, position, true).
			Updates(map[string]any{"active": false, "updated_at": time.Now().UTC()}).Error; err != nil {
			return err
		}

		m, err := AppendTurn(tx, sessionID, position, role, content, next, true, meta)
		if err != nil {
			return err
		}
		created = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// ActivateExclusive atomically deactivates every variant at
// (sessionID, position) except the requested one, which becomes active.
// The whole switch is a single conditional UPDATE, so no intermediate state
// with zero or two active variants is ever visible.
//
// Returns ErrNotFound when the (position, variantIndex) pair does not exist.
func ActivateExclusive(ctx context.Context, db *gorm.DB, sessionID string, position, variantIndex int) (*domain.ChatMessage, error) {
	var target domain.ChatMessage
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("session_id = ? AND position = ? AND variant_index = ?", sessionID, position, variantIndex).
			First(&target).Error; err != nil {
			return err
		}

		// active = (variant_index == ?) for the whole group, in one statement.
		if err := tx.Model(&domain.ChatMessage{}).
			Where("session_id = ? AND position = ?", sessionID, position).
			Updates(map[string]any{
				"active":     gorm.Expr("variant_index = ?", variantIndex),
				"updated_at": time.Now().UTC(),
			}).Error; err != nil {
			return err
		}
		target.Active = true
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &target, nil
}

// ListActive returns the active variant of every turn in the session, ordered
// by position ascending. This is the raw feed for the linear transcript.
func ListActive(ctx context.Context, db *gorm.DB, sessionID string) ([]domain.ChatMessage, error) {
	var out []domain.ChatMessage
	err := db.WithContext(ctx).
		Where("session_id = ? AND active = ?", sessionID, true).
		Order("position ASC").
		Find(&out).Error
	return out, err
}

// ListActiveBefore behaves like ListActive but only returns turns strictly
// below the given position. Used to rebuild the context that existed before
// an assistant turn when regenerating it.
func ListActiveBefore(ctx context.Context, db *gorm.DB, sessionID string, position int) ([]domain.ChatMessage, error) {
	var out []domain.ChatMessage
	err := db.WithContext(ctx).
		Where("session_id = ? AND active = ? AND position < ?", sessionID, true, position).
		Order("position ASC").
		Find(&out).Error
	return out, err
}

// ActiveAt returns the single active variant at (sessionID, position), or
// ErrNotFound when the turn group is empty.
func ActiveAt(ctx context.Context, db *gorm.DB, sessionID string, position int) (*domain.ChatMessage, error) {
	var m domain.ChatMessage
	err := db.WithContext(ctx).
		Where("session_id = ? AND position = ? AND active = ?", sessionID, position, true).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListVariants returns every variant at (sessionID, position), ordered by
// variant index ascending.
func ListVariants(ctx context.Context, db *gorm.DB, sessionID string, position int) ([]domain.ChatMessage, error) {
	var out []domain.ChatMessage
	err := db.WithContext(ctx).
		Where("session_id = ? AND position = ?", sessionID, position).
		Order("variant_index ASC").
		Find(&out).Error
	return out, err
}

// GetMessage fetches a message by ID scoped to its session. Returns
// ErrNotFound when either the ID or the session scope does not match.
func GetMessage(ctx context.Context, db *gorm.DB, sessionID, id string) (*domain.ChatMessage, error) {
	var m domain.ChatMessage
	if err := db.WithContext(ctx).
		Where("id = ? AND session_id = ?", id, sessionID).
		First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// CountMessages uses a raw COUNT so a missing table surfaces as an error.
func CountMessages(ctx context.Context, db *gorm.DB, sessionID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Raw("SELECT COUNT(*) FROM chat_messages WHERE session_id = ?", sessionID).
		Scan(&total).Error
	return total, err
}
