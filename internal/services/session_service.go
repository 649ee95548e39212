// Package services – SessionService
//
// This file implements the SessionService, which manages the lifecycle of
// chat sessions: creation (with optional auto-titling from the first
// message), paginated listing, renaming, archiving, and deletion. It
// validates and normalizes titles, enforces ownership rules, and coordinates
// repository operations.
//
// Service-level errors (e.g., ErrSessionNotFound) are returned for
// predictable cases so handlers can map them to HTTP results consistently.
package services

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/agrisage/agrichat-backend/internal/domain"
	"github.com/agrisage/agrichat-backend/internal/generation"
)

// SessionRepo defines the repository contract required by SessionService.
// Implementations are responsible for persistence of session aggregates.
type SessionRepo interface {
	// CreateSession inserts a new session row for the given user.
	CreateSession(ctx context.Context, db *gorm.DB, userID, title string) (*domain.ChatSession, error)

	// GetSession fetches a session by ID ensuring it belongs to the user.
	GetSession(ctx context.Context, db *gorm.DB, id, userID string) (*domain.ChatSession, error)

	// CountSessions returns the total number of sessions for pagination.
	CountSessions(ctx context.Context, db *gorm.DB, userID string, includeArchived bool) (int64, error)

	// ListSessionsPage returns a page of sessions ordered by UpdatedAt desc.
	ListSessionsPage(ctx context.Context, db *gorm.DB, userID string, includeArchived bool, offset, limit int) ([]domain.ChatSession, error)

	// UpdateSessionTitle renames a session (only if it belongs to the user).
	UpdateSessionTitle(ctx context.Context, db *gorm.DB, id, userID, title string) error

	// ArchiveSession flips the archived flag (only if it belongs to the user).
	ArchiveSession(ctx context.Context, db *gorm.DB, id, userID string, archived bool) error

	// DeleteSession permanently removes the session and its messages.
	DeleteSession(ctx context.Context, db *gorm.DB, id, userID string) error
}

// SessionService provides session-level operations such as creating,
// listing, renaming, archiving, and deleting sessions. It enforces title
// rules and ensures ownership constraints.
type SessionService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the session repository used by this service.
	Repo SessionRepo

	// TitleMaxLen caps stored titles by rune length.
	TitleMaxLen int
	// Titler optionally suggests a title from the first message; when nil or
	// failing, a deterministic heuristic is used instead.
	Titler generation.TitleSuggester
}

// NewSessionService constructs a SessionService with sane defaults for title
// handling.
func NewSessionService(db *gorm.DB, r SessionRepo) *SessionService {
	return &SessionService{
		DB:          db,
		Repo:        r,
		TitleMaxLen: 60,
	}
}

// Create inserts a new session owned by userID. An explicit title wins; when
// absent but a first message is provided, a title is generated from it; the
// final fallback is "New chat". Title generation failures never fail session
// creation.
func (s *SessionService) Create(ctx context.Context, userID, title, firstMessage string) (*domain.ChatSession, error) {
	title = normalizeTitle(title)
	if title == "" && strings.TrimSpace(firstMessage) != "" {
		title = s.generateTitle(ctx, firstMessage)
	}
	if title == "" {
		title = "New chat"
	}
	return s.Repo.CreateSession(ctx, s.DB, userID, s.clip(title))
}

// Get fetches a single session owned by userID.
func (s *SessionService) Get(ctx context.Context, userID, sessionID string) (*domain.ChatSession, error) {
	sess, err := s.Repo.GetSession(ctx, s.DB, sessionID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return sess, nil
}

// ListPage returns a page of sessions for a user, most recently updated
// first. It applies defaults for invalid page/pageSize and returns the total
// count. Archived sessions are included only on request.
func (s *SessionService) ListPage(ctx context.Context, userID string, page, pageSize int, includeArchived bool) ([]domain.ChatSession, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := s.Repo.CountSessions(ctx, s.DB, userID, includeArchived)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.ChatSession{}, 0, nil
	}

	items, err := s.Repo.ListSessionsPage(ctx, s.DB, userID, includeArchived, offset, pageSize)
	return items, total, err
}

// Rename updates a session's title, ensuring the session exists and belongs
// to the given user. Falls back to "Untitled" if the title is blank.
func (s *SessionService) Rename(ctx context.Context, userID, sessionID, title string) error {
	title = normalizeTitle(title)
	if title == "" {
		title = "Untitled"
	}
	if err := s.Repo.UpdateSessionTitle(ctx, s.DB, sessionID, userID, s.clip(title)); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	return nil
}

// Archive soft-deletes a session: it disappears from default listings but
// keeps its full message history and can be restored.
func (s *SessionService) Archive(ctx context.Context, userID, sessionID string, archived bool) error {
	if err := s.Repo.ArchiveSession(ctx, s.DB, sessionID, userID, archived); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	return nil
}

// Delete removes a session. When permanent is false this is an archive;
// otherwise the session and all of its messages are removed irrevocably.
func (s *SessionService) Delete(ctx context.Context, userID, sessionID string, permanent bool) error {
	if !permanent {
		return s.Archive(ctx, userID, sessionID, true)
	}
	if err := s.Repo.DeleteSession(ctx, s.DB, sessionID, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	return nil
}

// generateTitle produces a display title from the first message, preferring
// the configured suggester and falling back to the deterministic heuristic.
func (s *SessionService) generateTitle(ctx context.Context, firstMessage string) string {
	if s.Titler != nil {
		if t, err := s.Titler.SuggestTitle(ctx, firstMessage); err == nil && t != "" {
			return t
		}
	}
	return generation.HeuristicTitle(firstMessage)
}

// clip truncates a session title to the configured maximum rune length.
func (s *SessionService) clip(title string) string {
	if s.TitleMaxLen > 0 && utf8.RuneCountInString(title) > s.TitleMaxLen {
		return string([]rune(title)[:s.TitleMaxLen])
	}
	return title
}

// normalizeTitle trims whitespace and collapses multiple spaces to one.
func normalizeTitle(s string) string {
	s = whitespaceRE.ReplaceAllString(strings.TrimSpace(s), " ")
	return s
}

// whitespaceRE collapses consecutive whitespace to a single space.
var whitespaceRE = regexp.MustCompile(`\s+`)
