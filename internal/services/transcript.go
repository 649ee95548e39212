package services

import (
	"context"

	"github.com/agrisage/agrichat-backend/internal/domain"
	"github.com/agrisage/agrichat-backend/internal/repo"
)

// ActiveTranscript returns the session's linear conversation as currently
// selected: exactly the active variant of each turn, ordered by position.
// Reconstruction is a pure read; calling it repeatedly without intervening
// writes yields identical results.
func (s *ConversationService) ActiveTranscript(ctx context.Context, userID, sessionID string) ([]domain.TranscriptEntry, error) {
	if _, err := s.ownedSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	msgs, err := repo.ListActive(ctx, s.DB, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.TranscriptEntry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, domain.TranscriptEntry{
			Position: m.Position,
			Role:     m.Role,
			Content:  m.Content,
		})
	}
	return out, nil
}

// ActiveMessages returns the full active rows (ids, variants, metadata)
// ordered by position, for clients that render variant affordances.
func (s *ConversationService) ActiveMessages(ctx context.Context, userID, sessionID string) ([]domain.ChatMessage, error) {
	if _, err := s.ownedSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return repo.ListActive(ctx, s.DB, sessionID)
}
