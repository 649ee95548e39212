// Session HTTP handlers.
//
// This file exposes REST endpoints for conversation sessions:
//   - POST   /sessions                (create, optional auto-title)
//   - GET    /sessions                (list, paginated, ETag support)
//   - GET    /sessions/{id}           (session detail with active transcript)
//   - PUT    /sessions/{id}/title     (rename)
//   - POST   /sessions/{id}/archive   (archive / unarchive)
//   - DELETE /sessions/{id}           (archive by default, ?permanent=true to erase)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses (including conditional responses).
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"

	"github.com/agrisage/agrichat-backend/internal/domain"
	"github.com/agrisage/agrichat-backend/internal/repo"
	"github.com/agrisage/agrichat-backend/internal/services"
	"github.com/agrisage/agrichat-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// SessionService defines session lifecycle operations consumed by HTTP
// handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type SessionService interface {
	// Create starts a new session for userID. When title is empty and
	// firstMessage is not, a title is derived from the first message.
	Create(ctx context.Context, userID, title, firstMessage string) (*domain.ChatSession, error)
	// Get returns a session owned by userID.
	Get(ctx context.Context, userID, sessionID string) (*domain.ChatSession, error)
	// ListPage returns a page of the user's sessions and the total count.
	ListPage(ctx context.Context, userID string, page, pageSize int, includeArchived bool) ([]domain.ChatSession, int64, error)
	// Rename changes the title of a session that belongs to userID.
	Rename(ctx context.Context, userID, sessionID, title string) error
	// Archive flips the archived flag of a session.
	Archive(ctx context.Context, userID, sessionID string, archived bool) error
	// Delete archives the session, or permanently removes it and its
	// messages when permanent is true.
	Delete(ctx context.Context, userID, sessionID string, permanent bool) error
}

// ConversationService defines message-log operations consumed by HTTP
// handlers: sending, regenerating, variant selection, and transcript reads.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type ConversationService interface {
	// Send appends a user turn and an assistant reply to the session.
	Send(ctx context.Context, userID, sessionID, content, locationHint string) (*services.SendResult, error)
	// Regenerate creates and activates a fresh variant of an assistant turn.
	Regenerate(ctx context.Context, userID, sessionID, messageID, locationHint string) (*domain.ChatMessage, error)
	// SwitchVariant makes the given variant the active one of its turn.
	SwitchVariant(ctx context.Context, userID, sessionID string, position, variantIndex int) (*domain.ChatMessage, error)
	// ListVariants returns every variant recorded at a turn position.
	ListVariants(ctx context.Context, userID, sessionID string, position int) ([]domain.ChatMessage, error)
	// ActiveMessages returns the active variant of every turn, in order.
	ActiveMessages(ctx context.Context, userID, sessionID string) ([]domain.ChatMessage, error)
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for sessions and their message logs.
// It depends on abstract service interfaces to keep transport concerns
// separate from business logic.
type Handlers struct {
	sessionSvc SessionService
	convSvc    ConversationService
}

// New constructs and returns a Handlers instance bound to the given services.
func New(sessionSvc SessionService, convSvc ConversationService) *Handlers {
	return &Handlers{sessionSvc: sessionSvc, convSvc: convSvc}
}

// userID extracts the authenticated user id from Gin context (set by upstream
// middleware). If absent, it falls back to "X-User-ID" header (tests use it),
// and finally to "demo-user". It never touches c.Request if it's nil.
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return "demo-user"
}

// locationHint reads the optional region header used to localize answers.
func locationHint(c *gin.Context) string {
	if c == nil || c.Request == nil {
		return ""
	}
	return strings.TrimSpace(c.GetHeader("X-User-Region"))
}

//
// DTOs
//

// CreateSessionRequest is the JSON payload for creating a session.
type CreateSessionRequest struct {
	// Title optionally sets the session title; when empty a title is derived
	// from FirstMessage, and "New chat" is used as the final fallback.
	Title string `json:"title" example:"Wheat rust treatment"`
	// FirstMessage optionally seeds title generation. It is not persisted as
	// a message; clients send it separately.
	FirstMessage string `json:"first_message" example:"How do I treat rust on my wheat crop?"`
}

// UpdateSessionTitleRequest is the JSON payload for renaming a session.
type UpdateSessionTitleRequest struct {
	// Title is the new session name (1–255 chars).
	Title string `json:"title" binding:"required,min=1,max=255" example:"Irrigation schedule for maize"`
}

// ArchiveSessionRequest is the JSON payload for archiving or unarchiving.
type ArchiveSessionRequest struct {
	// Archived is the desired archived state. Defaults to true when the body
	// is omitted.
	Archived *bool `json:"archived" example:"true"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListSessionsResponse wraps a page of sessions and pagination information.
type ListSessionsResponse struct {
	Sessions   []domain.ChatSession `json:"sessions"`
	Pagination Pagination           `json:"pagination"`
}

// SessionDetailResponse combines a session with its active transcript.
type SessionDetailResponse struct {
	Session  *domain.ChatSession  `json:"session"`
	Messages []domain.ChatMessage `json:"messages"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.ClampInt(utils.AtoiDefault(c.Query("page_size"), defaultPageSize), 1, maxPageSize)
	return
}

// validSessionID reports whether id parses as a ULID.
func validSessionID(id string) bool {
	_, err := ulid.Parse(id)
	return err == nil
}

//
// Handlers
//

// CreateSession godoc
// @ID          createSession
// @Summary     Create a new session
// @Description Creates a session for the current user and returns the session resource.
// @Description When no title is supplied, one is derived from first_message.
// @Tags        Sessions
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(farmer42)
// @Param       body       body    handlers.CreateSessionRequest  true  "Create session payload"
//
// @Success     201  {object}  domain.ChatSession
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /sessions [post]
func (h *Handlers) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	sess, err := h.sessionSvc.Create(c.Request.Context(), userID(c),
		strings.TrimSpace(req.Title), strings.TrimSpace(req.FirstMessage))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, err.Error())
		return
	}
	ok(c, http.StatusCreated, sess)
}

// ListSessions godoc
// @ID          listSessions
// @Summary     List sessions (paginated)
// @Description Returns a page of the user's sessions, most recently updated first.
// @Description Supports weak ETag via If-None-Match and may return 304.
// @Tags        Sessions
// @Produce     json
//
// @Param       X-User-ID         header  string  false "User ID (demo header)"       example(farmer42)
// @Param       If-None-Match     header  string  false "Return 304 if ETag matches"  example(W/\"abc123\")
// @Param       page              query   int     false "Page number"                  minimum(1) default(1)
// @Param       page_size         query   int     false "Items per page"               minimum(1) maximum(100) default(20)
// @Param       include_archived  query   bool    false "Include archived sessions"   default(false)
//
// @Success     200  {object} handlers.ListSessionsResponse
// @Header      200  {string} ETag "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /sessions [get]
func (h *Handlers) ListSessions(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)
	page, pageSize := clampPagination(c)
	includeArchived := c.Query("include_archived") == "true"

	// ETag pre-check (best effort).
	var db *gorm.DB
	if svc, ok := h.sessionSvc.(*services.SessionService); ok {
		db = svc.DB
	}
	if db != nil {
		count, maxTS, err := repo.SessionsStats(ctx, db, uid)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.Unix()
			}
			etag := fmt.Sprintf(`W/"sessions:%s:%d:%d"`, uid, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	items, total, err := h.sessionSvc.ListPage(ctx, uid, page, pageSize, includeArchived)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListSessionsResponse{
		Sessions: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// GetSession godoc
// @ID          getSession
// @Summary     Get a session with its transcript
// @Description Returns the session and the active variant of each turn, ordered by position.
// @Tags        Sessions
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(farmer42)
// @Param       id         path    string  true  "Session ID (ULID)"
//
// @Success     200  {object} handlers.SessionDetailResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Session not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /sessions/{id} [get]
func (h *Handlers) GetSession(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")
	if !validSessionID(sessionID) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "session id must be a ULID")
		return
	}
	uid := userID(c)

	sess, err := h.sessionSvc.Get(ctx, uid, sessionID)
	if err != nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}
	msgs, err := h.convSvc.ActiveMessages(ctx, uid, sessionID)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, SessionDetailResponse{Session: sess, Messages: msgs})
}

// UpdateSessionTitle godoc
// @ID          updateSessionTitle
// @Summary     Rename a session
// @Description Updates the title of a session owned by the current user.
// @Tags        Sessions
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(farmer42)
// @Param       id         path    string  true  "Session ID (ULID)"
// @Param       body       body    handlers.UpdateSessionTitleRequest  true  "New title"
//
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Session not found"
// @Router      /sessions/{id}/title [put]
func (h *Handlers) UpdateSessionTitle(c *gin.Context) {
	sessionID := c.Param("id")
	if !validSessionID(sessionID) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "session id must be a ULID")
		return
	}

	var req UpdateSessionTitleRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "title required (1–255 chars)")
		return
	}

	if err := h.sessionSvc.Rename(c.Request.Context(), userID(c), sessionID, req.Title); err != nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}
	noContent(c)
}

// ArchiveSession godoc
// @ID          archiveSession
// @Summary     Archive or unarchive a session
// @Description Flips the archived flag. Archived sessions keep their messages and can be restored.
// @Tags        Sessions
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(farmer42)
// @Param       id         path    string  true  "Session ID (ULID)"
// @Param       body       body    handlers.ArchiveSessionRequest  false "Desired state (defaults to archived)"
//
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Session not found"
// @Router      /sessions/{id}/archive [post]
func (h *Handlers) ArchiveSession(c *gin.Context) {
	sessionID := c.Param("id")
	if !validSessionID(sessionID) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "session id must be a ULID")
		return
	}

	archived := true
	var req ArchiveSessionRequest
	if err := c.ShouldBindJSON(&req); err == nil && req.Archived != nil {
		archived = *req.Archived
	}

	if err := h.sessionSvc.Archive(c.Request.Context(), userID(c), sessionID, archived); err != nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}
	noContent(c)
}

// DeleteSession godoc
// @ID          deleteSession
// @Summary     Delete a session
// @Description Archives the session by default. With ?permanent=true the session and all of
// @Description its messages, including inactive variants, are removed irrecoverably.
// @Tags        Sessions
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"   example(farmer42)
// @Param       id         path    string  true  "Session ID (ULID)"
// @Param       permanent  query   bool    false "Erase instead of archive" default(false)
//
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Session not found"
// @Router      /sessions/{id} [delete]
func (h *Handlers) DeleteSession(c *gin.Context) {
	sessionID := c.Param("id")
	if !validSessionID(sessionID) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "session id must be a ULID")
		return
	}
	permanent := c.Query("permanent") == "true"

	if err := h.sessionSvc.Delete(c.Request.Context(), userID(c), sessionID, permanent); err != nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}
	noContent(c)
}
