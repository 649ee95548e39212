package repo

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/agrisage/agrichat-backend/internal/domain"
)

// test DB helper
func newMsgRepoDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("msg_repo_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func seedSession(t *testing.T, db *gorm.DB, id, userID string) {
	t.Helper()
	now := time.Now().UTC()
	if err := db.Create(&domain.ChatSession{ID: id, UserID: userID, Title: "t", CreatedAt: now, UpdatedAt: now}).Error; err != nil {
		t.Fatalf("seed session: %v", err)
	}
}

// activeVariants returns the active variant indices at a position. The
// invariant under test: exactly one element per non-empty turn group.
func activeVariants(t *testing.T, db *gorm.DB, sessionID string, position int) []int {
	t.Helper()
	var out []int
	err := db.Model(&domain.ChatMessage{}).
		Where("session_id = ? AND position = ? AND active = ?", sessionID, position, true).
		Order("variant_index ASC").
		Pluck("variant_index", &out).Error
	if err != nil {
		t.Fatalf("query active variants: %v", err)
	}
	return out
}

func TestNextTurnPosition_EmptyAndSequential(t *testing.T) {
	db := newMsgRepoDB(t, &domain.ChatSession{}, &domain.ChatMessage{})
	ctx := context.Background()
	seedSession(t, db, "s1", "u1")

	if p, err := NextTurnPosition(ctx, db, "s1"); err != nil || p != 0 {
		t.Fatalf("empty session: got %d, %v", p, err)
	}
	if _, err := AppendTurn(db, "s1", 0, domain.RoleUser, "q", 0, true, domain.MessageMeta{}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := AppendTurn(db, "s1", 1, domain.RoleAssistant, "a", 0, true, domain.MessageMeta{}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if p, err := NextTurnPosition(ctx, db, "s1"); err != nil || p != 2 {
		t.Fatalf("after two turns: got %d, %v", p, err)
	}

	// Variants at an existing position do not advance the sequence.
	if _, err := AppendVariantExclusive(ctx, db, "s1", 1, domain.RoleAssistant, "a2", domain.MessageMeta{}); err != nil {
		t.Fatalf("append variant: %v", err)
	}
	if p, err := NextTurnPosition(ctx, db, "s1"); err != nil || p != 2 {
		t.Fatalf("after variant: got %d, %v", p, err)
	}
}

func TestAppendTurn_PersistsFieldsAndMeta(t *testing.T) {
	db := newMsgRepoDB(t, &domain.ChatSession{}, &domain.ChatMessage{})
	seedSession(t, db, "s1", "u1")

	meta := domain.MessageMeta{Model: "gemini-1.5-flash", ResponseTimeMs: 420}
	m, err := AppendTurn(db, "s1", 0, domain.RoleAssistant, "hello", 0, true, meta)
	if err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	if m.ID == "" || m.SessionID != "s1" || m.Position != 0 || m.Role != domain.RoleAssistant {
		t.Fatalf("unexpected message: %+v", m)
	}
	if !m.Active || m.VariantIndex != 0 {
		t.Fatalf("first variant must be active at index 0: %+v", m)
	}

	var got domain.ChatMessage
	if err := db.First(&got, "id = ?", m.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Meta.Model != "gemini-1.5-flash" || got.Meta.ResponseTimeMs != 420 || got.Meta.IsError {
		t.Fatalf("meta round-trip mismatch: %+v", got.Meta)
	}
}

func TestAppendTurn_DuplicateVariantKeyRejected(t *testing.T) {
	db := newMsgRepoDB(t, &domain.ChatSession{}, &domain.ChatMessage{})
	seedSession(t, db, "s1", "u1")

	if _, err := AppendTurn(db, "s1", 0, domain.RoleUser, "q", 0, true, domain.MessageMeta{}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	// Same (session, position, variant_index) must violate the unique index.
	if _, err := AppendTurn(db, "s1", 0, domain.RoleUser, "dup", 0, false, domain.MessageMeta{}); err == nil {
		t.Fatalf("expected unique violation for duplicate variant key")
	}
}

func TestAppendVariantExclusive_ContiguousIndicesSingleActive(t *testing.T) {
	db := newMsgRepoDB(t, &domain.ChatSession{}, &domain.ChatMessage{})
	ctx := context.Background()
	seedSession(t, db, "s1", "u1")

	if _, err := AppendTurn(db, "s1", 1, domain.RoleAssistant, "v0", 0, true, domain.MessageMeta{}); err != nil {
		t.Fatalf("seed v0: %v", err)
	}

	v1, err := AppendVariantExclusive(ctx, db, "s1", 1, domain.RoleAssistant, "v1", domain.MessageMeta{})
	if err != nil {
		t.Fatalf("AppendVariantExclusive: %v", err)
	}
	if v1.VariantIndex != 1 || !v1.Active {
		t.Fatalf("expected active variant 1, got %+v", v1)
	}
	v2, err := AppendVariantExclusive(ctx, db, "s1", 1, domain.RoleAssistant, "v2", domain.MessageMeta{})
	if err != nil {
		t.Fatalf("AppendVariantExclusive: %v", err)
	}
	if v2.VariantIndex != 2 {
		t.Fatalf("indices must be contiguous, got %+v", v2)
	}

	if got := activeVariants(t, db, "s1", 1); len(got) != 1 || got[0] != 2 {
		t.Fatalf("expected exactly variant 2 active, got %v", got)
	}
	all, err := ListVariants(ctx, db, "s1", 1)
	if err != nil || len(all) != 3 {
		t.Fatalf("expected 3 variants: %v, %v", all, err)
	}
	for i, v := range all {
		if v.VariantIndex != i {
			t.Fatalf("variant order broken at %d: %+v", i, v)
		}
	}
}

func TestActivateExclusive_SwitchesAndValidates(t *testing.T) {
	db := newMsgRepoDB(t, &domain.ChatSession{}, &domain.ChatMessage{})
	ctx := context.Background()
	seedSession(t, db, "s1", "u1")

	if _, err := AppendTurn(db, "s1", 1, domain.RoleAssistant, "v0", 0, true, domain.MessageMeta{}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := AppendVariantExclusive(ctx, db, "s1", 1, domain.RoleAssistant, "v1", domain.MessageMeta{}); err != nil {
		t.Fatalf("seed v1: %v", err)
	}

	// Back to the original answer.
	got, err := ActivateExclusive(ctx, db, "s1", 1, 0)
	if err != nil {
		t.Fatalf("ActivateExclusive: %v", err)
	}
	if got.VariantIndex != 0 || !got.Active || got.Content != "v0" {
		t.Fatalf("unexpected activated variant: %+v", got)
	}
	if av := activeVariants(t, db, "s1", 1); len(av) != 1 || av[0] != 0 {
		t.Fatalf("expected exactly variant 0 active, got %v", av)
	}

	// Re-activating the already-active variant is a harmless no-op.
	if _, err := ActivateExclusive(ctx, db, "s1", 1, 0); err != nil {
		t.Fatalf("idempotent re-activate: %v", err)
	}
	if av := activeVariants(t, db, "s1", 1); len(av) != 1 || av[0] != 0 {
		t.Fatalf("re-activate broke the invariant: %v", av)
	}

	// Unknown variant index.
	if _, err := ActivateExclusive(ctx, db, "s1", 1, 9); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown variant, got %v", err)
	}
	// Unknown position.
	if _, err := ActivateExclusive(ctx, db, "s1", 7, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown position, got %v", err)
	}
}

func TestActiveAt_ReturnsActiveVariantOnly(t *testing.T) {
	db := newMsgRepoDB(t, &domain.ChatSession{}, &domain.ChatMessage{})
	ctx := context.Background()
	seedSession(t, db, "s1", "u1")

	if _, err := AppendTurn(db, "s1", 0, domain.RoleUser, "q1", 0, true, domain.MessageMeta{}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := AppendTurn(db, "s1", 1, domain.RoleAssistant, "a1", 0, true, domain.MessageMeta{}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := AppendVariantExclusive(ctx, db, "s1", 1, domain.RoleAssistant, "a1'", domain.MessageMeta{}); err != nil {
		t.Fatalf("seed variant: %v", err)
	}

	got, err := ActiveAt(ctx, db, "s1", 0)
	if err != nil || got.Content != "q1" || got.Role != domain.RoleUser {
		t.Fatalf("ActiveAt(0) = %+v, %v", got, err)
	}
	// The regenerated variant, not the demoted original.
	got, err = ActiveAt(ctx, db, "s1", 1)
	if err != nil || got.Content != "a1'" || !got.Active {
		t.Fatalf("ActiveAt(1) = %+v, %v", got, err)
	}

	if _, err := ActiveAt(ctx, db, "s1", 9); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ActiveAt(empty position) = %v, want ErrNotFound", err)
	}
}

func TestListActive_SkipsInactiveAndOrders(t *testing.T) {
	db := newMsgRepoDB(t, &domain.ChatSession{}, &domain.ChatMessage{})
	ctx := context.Background()
	seedSession(t, db, "s1", "u1")

	if _, err := AppendTurn(db, "s1", 0, domain.RoleUser, "q1", 0, true, domain.MessageMeta{}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := AppendTurn(db, "s1", 1, domain.RoleAssistant, "a1", 0, true, domain.MessageMeta{}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := AppendVariantExclusive(ctx, db, "s1", 1, domain.RoleAssistant, "a1'", domain.MessageMeta{}); err != nil {
		t.Fatalf("seed variant: %v", err)
	}
	if _, err := AppendTurn(db, "s1", 2, domain.RoleUser, "q2", 0, true, domain.MessageMeta{}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	msgs, err := ListActive(ctx, db, "s1")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected one active row per turn, got %d", len(msgs))
	}
	wantContents := []string{"q1", "a1'", "q2"}
	for i, m := range msgs {
		if m.Position != i || m.Content != wantContents[i] {
			t.Fatalf("transcript[%d] = %+v, want content %q at position %d", i, m, wantContents[i], i)
		}
	}

	before, err := ListActiveBefore(ctx, db, "s1", 1)
	if err != nil || len(before) != 1 || before[0].Content != "q1" {
		t.Fatalf("ListActiveBefore(1) = %+v, %v", before, err)
	}
}

func TestGetMessage_ScopedToSession(t *testing.T) {
	db := newMsgRepoDB(t, &domain.ChatSession{}, &domain.ChatMessage{})
	ctx := context.Background()
	seedSession(t, db, "s1", "u1")
	seedSession(t, db, "s2", "u1")

	m, err := AppendTurn(db, "s1", 0, domain.RoleUser, "q", 0, true, domain.MessageMeta{})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	if got, err := GetMessage(ctx, db, "s1", m.ID); err != nil || got.ID != m.ID {
		t.Fatalf("GetMessage in-scope: %v, %v", got, err)
	}
	// Addressing the message through another session must miss.
	if _, err := GetMessage(ctx, db, "s2", m.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound across sessions, got %v", err)
	}
}

func TestCountMessages_RawCount(t *testing.T) {
	db := newMsgRepoDB(t, &domain.ChatSession{}, &domain.ChatMessage{})
	ctx := context.Background()
	seedSession(t, db, "s1", "u1")

	if n, err := CountMessages(ctx, db, "s1"); err != nil || n != 0 {
		t.Fatalf("empty count: %d, %v", n, err)
	}
	if _, err := AppendTurn(db, "s1", 0, domain.RoleUser, "q", 0, true, domain.MessageMeta{}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := AppendVariantExclusive(ctx, db, "s1", 0, domain.RoleUser, "q'", domain.MessageMeta{}); err != nil {
		t.Fatalf("seed variant: %v", err)
	}
	// Counts rows, not turns: variants are included.
	if n, err := CountMessages(ctx, db, "s1"); err != nil || n != 2 {
		t.Fatalf("count with variants: %d, %v", n, err)
	}
}
