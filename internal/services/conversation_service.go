// Package services – ConversationService
//
// This file implements ConversationService, the application-level component
// that owns the multi-variant message log. It is the only component that
// mutates variant activation state, and it orchestrates the three compound
// operations over the log: sending a message, regenerating an assistant turn,
// and switching the active variant of a turn.
//
// Concurrency contract: every mutating operation runs under a session-scoped
// mutex (see locks.go), so position reservation and activation switches are
// atomic per session while unrelated sessions proceed fully in parallel.
// Generation calls are made while holding the lock; they carry their own
// timeout inside the gateway, so a hung collaborator cannot wedge a session
// forever.
//
// Failure contract: a generation failure (error, timeout, empty output) is
// never surfaced to the caller as a request failure. It is committed as an
// assistant turn marked as an error outcome, which keeps the turn sequence
// complete and makes the failure recoverable through the same regenerate
// mechanism used for ordinary dissatisfaction with an answer.
//
// Observability: public methods are OpenTelemetry-instrumented; spans include
// session/user identifiers.
package services

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/agrisage/agrichat-backend/internal/domain"
	"github.com/agrisage/agrichat-backend/internal/generation"
	"github.com/agrisage/agrichat-backend/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Error-outcome contents shown in place of an assistant answer. They are
// committed as regular turns so the client always has something to retry.
const (
	sendFailedContent  = "Server error: Unable to generate response. This might be due to high traffic or connectivity issues. Please try regenerating this message."
	sendEmptyContent   = "Unable to generate response. Please try regenerating this message."
	regenFailedContent = "Server error: Unable to regenerate response. This might be due to high traffic or connectivity issues. Please try again."
	regenEmptyContent  = "Unable to regenerate response. Please try again."

	// errorModelName marks error-outcome turns in metadata.
	errorModelName = "error"

	// maxErrorDetailRunes caps the diagnostic detail stored with an
	// error-outcome turn (matches the column width).
	maxErrorDetailRunes = 512
)

// ConversationService coordinates the message log, the transcript projection,
// and the generation gateway.
type ConversationService struct {
	DB      *gorm.DB
	Gateway generation.Gateway

	// MaxPromptRunes caps user prompts by rune length (0 disables the cap).
	MaxPromptRunes int

	// afterMutation runs after every committed message mutation; by default
	// it bumps the session's UpdatedAt stamp. Best-effort: its failure never
	// fails an operation whose message writes already committed.
	afterMutation func(ctx context.Context, sessionID string)

	locks *sessionLocks
}

// NewConversationService wires the service with its default post-mutation
// hook (SessionStore touch).
func NewConversationService(db *gorm.DB, gw generation.Gateway) *ConversationService {
	s := &ConversationService{
		DB:             db,
		Gateway:        gw,
		MaxPromptRunes: 4000,
		locks:          newSessionLocks(),
	}
	s.afterMutation = func(ctx context.Context, sessionID string) {
		_ = repo.TouchSession(ctx, db, sessionID)
	}
	return s
}

// SendResult carries both turns created by Send. AssistantMessage is always
// present; on generation failure it is an error-outcome turn.
type SendResult struct {
	UserMessage      *domain.ChatMessage `json:"user_message"`
	AssistantMessage *domain.ChatMessage `json:"assistant_message"`
}

// Send appends the user's prompt as a new turn, asks the generation gateway
// for an answer in the context of the full active transcript, and appends the
// assistant reply at the next position. The user turn is never rolled back:
// when generation fails, only the assistant side degrades to an error turn.
func (s *ConversationService) Send(ctx context.Context, userID, sessionID, content, locationHint string) (*SendResult, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "Send",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyPrompt
	}
	if s.MaxPromptRunes > 0 && utf8.RuneCountInString(content) > s.MaxPromptRunes {
		return nil, ErrTooLong
	}

	release := s.locks.acquire(sessionID)
	defer release()

	if _, err := s.ownedSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}

	// Reserve the next position and commit the user turn. The session lock
	// makes this read-then-write pair atomic per session.
	pos, err := repo.NextTurnPosition(ctx, s.DB, sessionID)
	if err != nil {
		return nil, err
	}
	userMsg, err := repo.AppendTurn(s.DB.WithContext(ctx), sessionID, pos, domain.RoleUser, content, 0, true, domain.MessageMeta{})
	if err != nil {
		return nil, err
	}

	// The transcript now includes the new user turn.
	transcript, err := s.activeContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	result, genErr := s.Gateway.Generate(ctx, generation.Request{
		SessionID:    sessionID,
		Transcript:   transcript,
		LocationHint: locationHint,
	})

	var assistant *domain.ChatMessage
	if genErr != nil {
		assistant, err = repo.AppendTurn(s.DB.WithContext(ctx), sessionID, pos+1, domain.RoleAssistant,
			errorContent(genErr, sendEmptyContent, sendFailedContent), 0, true, errorMeta(genErr))
	} else {
		assistant, err = repo.AppendTurn(s.DB.WithContext(ctx), sessionID, pos+1, domain.RoleAssistant,
			result.Text, 0, true, domain.MessageMeta{
				Model:          result.Model,
				ResponseTimeMs: result.Elapsed.Milliseconds(),
			})
	}
	if err != nil {
		if isForeignKeyViolation(err) {
			// A permanent delete committed while the gateway was running and
			// cascaded away the user turn; the session is simply gone.
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	s.afterMutation(ctx, sessionID)
	return &SendResult{UserMessage: userMsg, AssistantMessage: assistant}, nil
}

// Regenerate creates a fresh variant for the assistant turn identified by
// messageID and makes it the active one. The generation context is the active
// transcript as it existed before that turn. Like Send, generation failures
// still commit an (active) error-outcome variant so the user can retry.
func (s *ConversationService) Regenerate(ctx context.Context, userID, sessionID, messageID, locationHint string) (*domain.ChatMessage, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "Regenerate",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("user.id", userID),
			attribute.String("message.id", messageID),
		),
	)
	defer span.End()

	release := s.locks.acquire(sessionID)
	defer release()

	if _, err := s.ownedSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}

	target, err := repo.GetMessage(ctx, s.DB, sessionID, messageID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	if target.Role != domain.RoleAssistant {
		return nil, ErrInvalidRegenerationTarget
	}
	if !target.Active {
		// A concurrent switch already superseded this variant.
		return nil, ErrStaleRegenerationTarget
	}

	// Context as it existed before this assistant turn.
	prior, err := repo.ListActiveBefore(ctx, s.DB, sessionID, target.Position)
	if err != nil {
		return nil, err
	}

	result, genErr := s.Gateway.Generate(ctx, generation.Request{
		SessionID:    sessionID,
		Transcript:   toGatewayMessages(prior),
		LocationHint: locationHint,
	})

	// The generation call can take seconds; session deletion does not pass
	// through the session lock, so re-check before writing the new variant
	// rather than orphaning it.
	if _, err := repo.GetSession(ctx, s.DB, sessionID, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrStaleRegenerationTarget
		}
		return nil, err
	}

	var newMsg *domain.ChatMessage
	if genErr != nil {
		newMsg, err = repo.AppendVariantExclusive(ctx, s.DB, sessionID, target.Position, domain.RoleAssistant,
			errorContent(genErr, regenEmptyContent, regenFailedContent), errorMeta(genErr))
	} else {
		newMsg, err = repo.AppendVariantExclusive(ctx, s.DB, sessionID, target.Position, domain.RoleAssistant,
			result.Text, domain.MessageMeta{
				Model:          result.Model,
				ResponseTimeMs: result.Elapsed.Milliseconds(),
			})
	}
	if err != nil {
		if isForeignKeyViolation(err) {
			// The re-check above cannot cover a delete that commits between
			// it and the insert; the FK rejection is the same staleness.
			return nil, ErrStaleRegenerationTarget
		}
		return nil, err
	}

	s.afterMutation(ctx, sessionID)
	return newMsg, nil
}

// SwitchVariant makes the variant at (position, variantIndex) the single
// active one of its turn group. It creates no content and never calls the
// generation gateway.
func (s *ConversationService) SwitchVariant(ctx context.Context, userID, sessionID string, position, variantIndex int) (*domain.ChatMessage, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "SwitchVariant",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Int("position", position),
			attribute.Int("variant", variantIndex),
		),
	)
	defer span.End()

	release := s.locks.acquire(sessionID)
	defer release()

	if _, err := s.ownedSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}

	msg, err := repo.ActivateExclusive(ctx, s.DB, sessionID, position, variantIndex)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrVariantNotFound
		}
		return nil, err
	}

	s.afterMutation(ctx, sessionID)
	return msg, nil
}

// ListVariants returns every candidate variant at the given turn position,
// ordered by variant index ascending.
func (s *ConversationService) ListVariants(ctx context.Context, userID, sessionID string, position int) ([]domain.ChatMessage, error) {
	if _, err := s.ownedSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return repo.ListVariants(ctx, s.DB, sessionID, position)
}

// ownedSession loads the session and maps missing/not-owned to
// ErrSessionNotFound.
func (s *ConversationService) ownedSession(ctx context.Context, userID, sessionID string) (*domain.ChatSession, error) {
	sess, err := repo.GetSession(ctx, s.DB, sessionID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return sess, nil
}

// activeContext loads the current transcript in gateway shape.
func (s *ConversationService) activeContext(ctx context.Context, sessionID string) ([]generation.Message, error) {
	msgs, err := repo.ListActive(ctx, s.DB, sessionID)
	if err != nil {
		return nil, err
	}
	return toGatewayMessages(msgs), nil
}

// toGatewayMessages projects stored turns into the gateway's message shape.
func toGatewayMessages(msgs []domain.ChatMessage) []generation.Message {
	out := make([]generation.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, generation.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// isForeignKeyViolation reports whether err is the database rejecting an
// insert whose parent session row no longer exists. The pure-Go sqlite
// driver does not always return the typed GORM error, so the message text
// is matched as well.
func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrForeignKeyViolated) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "foreign key constraint")
}

// errorContent picks the user-visible content for an error-outcome turn.
func errorContent(genErr error, emptyMsg, failedMsg string) string {
	if errors.Is(genErr, generation.ErrEmptyOutput) {
		return emptyMsg
	}
	return failedMsg
}

// errorMeta builds the metadata for an error-outcome turn. The diagnostic
// detail is clipped to the column width.
func errorMeta(genErr error) domain.MessageMeta {
	detail := genErr.Error()
	if utf8.RuneCountInString(detail) > maxErrorDetailRunes {
		detail = string([]rune(detail)[:maxErrorDetailRunes])
	}
	return domain.MessageMeta{
		Model:       errorModelName,
		IsError:     true,
		ErrorDetail: detail,
	}
}
