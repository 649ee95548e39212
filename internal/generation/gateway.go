// Package generation defines the contract with the external answer-generation
// collaborator and the client implementations used to reach it. The core
// treats the collaborator as opaque: possibly slow, possibly failing, with no
// assumptions about retries, idempotency, or streaming.
package generation

import (
	"context"
	"errors"
	"time"
)

// Message is one step of the conversation context handed to the collaborator:
// the active variant's role and content at a given turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request carries everything the collaborator needs to produce an answer.
type Request struct {
	// SessionID scopes any server-side memory the collaborator keeps.
	SessionID string
	// Transcript is the full active conversation, ordered oldest first.
	// The last entry is the user turn being answered.
	Transcript []Message
	// LocationHint is the caller's region or city, used to localize
	// agronomic advice (sowing windows, local market names).
	LocationHint string
}

// Result is a successful generation outcome.
type Result struct {
	// Text is the generated answer. Implementations never return a Result
	// with empty Text; they return ErrEmptyOutput instead.
	Text string
	// Model identifies what produced the answer (recorded in message metadata).
	Model string
	// Elapsed is the wall time the collaborator took.
	Elapsed time.Duration
}

// Gateway is the interface to the external answer-generation collaborator.
//
// Implementations must honor ctx for cancellation and treat deadline expiry
// like any other failure. Callers are expected to convert all errors into
// committed error-outcome turns rather than dropping the assistant reply.
type Gateway interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}

// ErrEmptyOutput is returned when the collaborator answered successfully at
// the transport level but produced no usable text.
var ErrEmptyOutput = errors.New("generation returned empty output")

// LastUserQuery returns the content of the most recent user turn in the
// transcript, or "" when there is none. Workflow-style collaborators that
// keep their own per-session memory consume only this query.
func LastUserQuery(transcript []Message) string {
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == "user" {
			return transcript[i].Content
		}
	}
	return ""
}
