// Message HTTP handlers.
//
// This file exposes REST endpoints for the message log:
//   - POST /sessions/{id}/messages                           (send; appends user turn + assistant reply)
//   - GET  /sessions/{id}/messages                           (active transcript, ETag support)
//   - POST /sessions/{id}/messages/{messageId}/regenerate    (new variant for an assistant turn)
//   - POST /sessions/{id}/turns/{position}/variant           (switch the active variant)
//   - GET  /sessions/{id}/turns/{position}/variants          (list all variants of a turn)
//
// Handlers are transport-thin:
//   - validate & normalize inputs (including newline and length constraints)
//   - delegate to the conversation service
//   - implement conditional responses (ETag) and idempotency semantics
//
// Idempotency:
// If the client supplies an Idempotency-Key header and a previous successful
// result exists for (user, session, key), the handler returns the recorded
// user/assistant pair and sets `Idempotency-Replayed: true`.
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/agrisage/agrichat-backend/internal/domain"
	"github.com/agrisage/agrichat-backend/internal/repo"
	"github.com/agrisage/agrichat-backend/internal/services"
)

//
// DTOs
//

// PostMessageRequest is the JSON payload for sending a user message.
//
// Content is normalized by the handler (line endings and excessive blank
// lines) before being passed to the service layer. The service also enforces
// a maximum rune count.
type PostMessageRequest struct {
	// Content is the user prompt. It must be non-empty.
	Content string `json:"content" binding:"required,min=1" example:"My tomato leaves are curling, what should I do?"`
}

// PostMessageResponse carries the pair of turns created by a send.
type PostMessageResponse struct {
	// UserMessage is the committed user turn.
	UserMessage *domain.ChatMessage `json:"user_message"`
	// AssistantMessage is the assistant reply, or an error-outcome turn when
	// generation failed.
	AssistantMessage *domain.ChatMessage `json:"assistant_message"`
}

// RegenerateResponse carries the fresh variant created by a regenerate.
type RegenerateResponse struct {
	Message *domain.ChatMessage `json:"message"`
}

// SwitchVariantRequest selects which variant of a turn should be active.
type SwitchVariantRequest struct {
	// VariantIndex identifies the candidate within the turn group (0-based).
	VariantIndex *int `json:"variant_index" binding:"required" example:"1"`
}

// ListTranscriptResponse contains the active variant of every turn in order.
type ListTranscriptResponse struct {
	Messages []domain.ChatMessage `json:"messages"`
}

// ListVariantsResponse contains every variant recorded at one turn position.
type ListVariantsResponse struct {
	Position int                  `json:"position"`
	Variants []domain.ChatMessage `json:"variants"`
}

//
// Helpers
//

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeContent normalizes user text for consistent downstream behavior:
//   - converts CRLF/CR to LF,
//   - collapses runs of 3+ LFs to exactly two (paragraph separation),
//   - trims surrounding whitespace.
func sanitizeContent(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// discoverMaxPromptRunes inspects the concrete conversation service for a
// configured prompt-length limit. If unavailable, it returns a conservative
// fallback.
func discoverMaxPromptRunes(convSvc ConversationService) int {
	const fallback = 4000
	if cs, ok := convSvc.(*services.ConversationService); ok {
		if cs.MaxPromptRunes > 0 {
			return cs.MaxPromptRunes
		}
	}
	return fallback
}

// convFailStatus maps conversation service errors to HTTP responses. The
// fallback for unrecognized errors is a 500 with the given code.
func convFail(c *gin.Context, err error, internalCode string) {
	switch {
	case errors.Is(err, services.ErrSessionNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "session not found")
	case errors.Is(err, services.ErrMessageNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "message not found")
	case errors.Is(err, services.ErrVariantNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "variant not found")
	case errors.Is(err, services.ErrInvalidRegenerationTarget):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "only assistant messages can be regenerated")
	case errors.Is(err, services.ErrStaleRegenerationTarget):
		fail(c, http.StatusConflict, ErrCodeConflict, "regeneration target is no longer active")
	case errors.Is(err, services.ErrEmptyPrompt):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
	case errors.Is(err, services.ErrTooLong):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content too long")
	default:
		fail(c, http.StatusInternalServerError, internalCode, err.Error())
	}
}

//
// Handlers
//

// PostMessage godoc
// @ID          postMessage
// @Summary     Send a message and get assistant reply
// @Description Appends a user turn to the session and generates an assistant reply at the
// @Description next position. Generation failures still return 200 with an error-outcome
// @Description assistant message that can be regenerated.
// @Description Supports idempotency via the Idempotency-Key header (same key → same result).
// @Tags        Messages
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID        header  string  true  "User ID that owns the session"  example(farmer42)
// @Param       X-User-Region    header  string  false "Region hint used to localize the answer"  example(Nairobi)
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries (UUID recommended)"
// @Param       id               path    string  true  "Session ID (ULID)"
// @Param       body             body    handlers.PostMessageRequest  true  "User message payload"
//
// @Success     200  {object}  handlers.PostMessageResponse  "User turn and assistant reply"
// @Failure     400  {object}  handlers.ErrorResponse        "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse        "Session not found"
// @Failure     500  {object}  handlers.ErrorResponse        "Internal error"
// @Router      /sessions/{id}/messages [post]
func (h *Handlers) PostMessage(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")
	if !validSessionID(sessionID) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "session id must be a ULID")
		return
	}

	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}

	// Sanitize + early size cap to fail fast at the edge.
	content := sanitizeContent(req.Content)
	maxRunes := discoverMaxPromptRunes(h.convSvc)
	if maxRunes > 0 && utf8.RuneCountInString(content) > maxRunes {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("content too long: max %d runes", maxRunes))
		return
	}
	if content == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}

	currentUser := userID(c)

	// Idempotency (replay path) – read validated key if present.
	idemKey, _ := idempotencyKey(c)
	if idemKey != "" {
		if svc, okSvc := h.convSvc.(*services.ConversationService); okSvc && svc.DB != nil {
			if rec, err := repo.GetIdempotency(ctx, svc.DB, currentUser, sessionID, idemKey, time.Now().UTC()); err == nil && rec != nil {
				if prev, err2 := repo.GetMessage(ctx, svc.DB, sessionID, rec.MessageID); err2 == nil {
					resp := PostMessageResponse{AssistantMessage: prev}
					// The user turn of the recorded pair sits one position
					// before the assistant reply.
					if userTurn, err3 := repo.ActiveAt(ctx, svc.DB, sessionID, prev.Position-1); err3 == nil && userTurn.Role == domain.RoleUser {
						resp.UserMessage = userTurn
					}
					c.Header("Idempotency-Replayed", "true")
					ok(c, http.StatusOK, resp)
					return
				}
			}
		}
	}

	res, err := h.convSvc.Send(ctx, currentUser, sessionID, content, locationHint(c))
	if err != nil {
		convFail(c, err, ErrCodeAnswerFailed)
		return
	}

	// Idempotency (store path) – best effort.
	if idemKey != "" {
		if svc, okSvc := h.convSvc.(*services.ConversationService); okSvc && svc.DB != nil {
			ttl := 24 * time.Hour
			_, _ = repo.CreateIdempotency(ctx, svc.DB, currentUser, sessionID, idemKey, res.AssistantMessage.ID, http.StatusOK, ttl)
		}
	}

	ok(c, http.StatusOK, PostMessageResponse{
		UserMessage:      res.UserMessage,
		AssistantMessage: res.AssistantMessage,
	})
}

// ListMessages godoc
// @ID          listMessages
// @Summary     List the active transcript of a session
// @Description Returns the active variant of every turn, ordered by position.
// @Tags        Messages
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(farmer42)
// @Param       id         path    string  true  "Session ID (ULID)"
//
// @Success     200  {object} handlers.ListTranscriptResponse
// @Header      200  {string} ETag "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Session not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /sessions/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")
	if !validSessionID(sessionID) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "session id must be a ULID")
		return
	}

	// ETag pre-check (best effort).
	var db *gorm.DB
	if svc, ok := h.convSvc.(*services.ConversationService); ok {
		db = svc.DB
	}
	if db != nil {
		count, maxTS, err := repo.MessagesStats(ctx, db, sessionID)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.Unix()
			}
			etag := fmt.Sprintf(`W/"messages:%s:%d:%d"`, sessionID, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	msgs, err := h.convSvc.ActiveMessages(ctx, userID(c), sessionID)
	if err != nil {
		convFail(c, err, ErrCodeListFailed)
		return
	}
	ok(c, http.StatusOK, ListTranscriptResponse{Messages: msgs})
}

// RegenerateMessage godoc
// @ID          regenerateMessage
// @Summary     Regenerate an assistant message
// @Description Creates a fresh variant for the addressed assistant turn and makes it the
// @Description active one. Prior variants are kept and remain switchable.
// @Tags        Messages
// @Produce     json
//
// @Param       X-User-ID      header  string  true  "User ID that owns the session"  example(farmer42)
// @Param       X-User-Region  header  string  false "Region hint used to localize the answer"
// @Param       id             path    string  true  "Session ID (ULID)"
// @Param       messageId      path    string  true  "Assistant message ID (UUID)"  format(uuid)
//
// @Success     200  {object} handlers.RegenerateResponse
// @Failure     400  {object} handlers.ErrorResponse "Target is not an assistant message"
// @Failure     404  {object} handlers.ErrorResponse "Session or message not found"
// @Failure     409  {object} handlers.ErrorResponse "Target is no longer active"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /sessions/{id}/messages/{messageId}/regenerate [post]
func (h *Handlers) RegenerateMessage(c *gin.Context) {
	sessionID := c.Param("id")
	if !validSessionID(sessionID) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "session id must be a ULID")
		return
	}
	messageID := c.Param("messageId")
	if _, err := uuid.Parse(messageID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "message id must be a UUID")
		return
	}

	msg, err := h.convSvc.Regenerate(c.Request.Context(), userID(c), sessionID, messageID, locationHint(c))
	if err != nil {
		convFail(c, err, ErrCodeAnswerFailed)
		return
	}
	ok(c, http.StatusOK, RegenerateResponse{Message: msg})
}

// SwitchVariant godoc
// @ID          switchVariant
// @Summary     Switch the active variant of a turn
// @Description Makes the addressed variant the single active one of its turn group.
// @Description No content is created; the transcript simply re-selects.
// @Tags        Messages
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "User ID that owns the session"  example(farmer42)
// @Param       id         path    string  true  "Session ID (ULID)"
// @Param       position   path    int     true  "Turn position (0-based)"
// @Param       body       body    handlers.SwitchVariantRequest  true  "Variant selector"
//
// @Success     200  {object} domain.ChatMessage "The newly active variant"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Session or variant not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /sessions/{id}/turns/{position}/variant [post]
func (h *Handlers) SwitchVariant(c *gin.Context) {
	sessionID := c.Param("id")
	if !validSessionID(sessionID) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "session id must be a ULID")
		return
	}
	position, err := strconv.Atoi(c.Param("position"))
	if err != nil || position < 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "position must be a non-negative integer")
		return
	}

	var req SwitchVariantRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.VariantIndex == nil || *req.VariantIndex < 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "variant_index required (>= 0)")
		return
	}

	msg, err := h.convSvc.SwitchVariant(c.Request.Context(), userID(c), sessionID, position, *req.VariantIndex)
	if err != nil {
		convFail(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, msg)
}

// ListVariants godoc
// @ID          listVariants
// @Summary     List all variants of a turn
// @Description Returns every variant recorded at the given position, ordered by variant index.
// @Description Exactly one of them is active.
// @Tags        Messages
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(farmer42)
// @Param       id         path    string  true  "Session ID (ULID)"
// @Param       position   path    int     true  "Turn position (0-based)"
//
// @Success     200  {object} handlers.ListVariantsResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Session not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /sessions/{id}/turns/{position}/variants [get]
func (h *Handlers) ListVariants(c *gin.Context) {
	sessionID := c.Param("id")
	if !validSessionID(sessionID) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "session id must be a ULID")
		return
	}
	position, err := strconv.Atoi(c.Param("position"))
	if err != nil || position < 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "position must be a non-negative integer")
		return
	}

	variants, err := h.convSvc.ListVariants(c.Request.Context(), userID(c), sessionID, position)
	if err != nil {
		convFail(c, err, ErrCodeListFailed)
		return
	}
	ok(c, http.StatusOK, ListVariantsResponse{Position: position, Variants: variants})
}

// idempotencyKey extracts an idempotency key if an upstream middleware has
// already validated/stashed it. The fallback behavior reads the
// "Idempotency-Key" header directly when no dedicated middleware exists.
func idempotencyKey(c *gin.Context) (string, bool) {
	if v := strings.TrimSpace(c.GetHeader("Idempotency-Key")); v != "" {
		return v, true
	}
	return "", false
}
