// Package services defines the business logic for chat sessions, their
// multi-variant message log, and the transcript projection. This file
// centralizes common service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer; translation
// into user-facing messages or HTTP status codes is performed at the
// handler layer.
package services

import "errors"

var (
	// ErrSessionNotFound indicates that the requested session does not exist
	// or is not accessible to the current user. Ownership mismatches map here
	// too, so session existence never leaks across users.
	ErrSessionNotFound = errors.New("session not found")

	// ErrMessageNotFound indicates that the requested message does not exist
	// within the given session.
	ErrMessageNotFound = errors.New("message not found")

	// ErrVariantNotFound is returned when a switch or regeneration references
	// a (position, variant) pair that does not exist.
	ErrVariantNotFound = errors.New("message variant not found")

	// ErrInvalidRegenerationTarget is returned when regeneration is requested
	// on a turn that was not authored by the assistant.
	ErrInvalidRegenerationTarget = errors.New("only assistant messages can be regenerated")

	// ErrStaleRegenerationTarget is returned when a concurrent operation
	// invalidated the regeneration target before the new variant could be
	// written: the session was deleted, or the target variant was deactivated
	// by a concurrent switch.
	ErrStaleRegenerationTarget = errors.New("regeneration target is stale")

	// ErrEmptyPrompt is returned when a request to send a message contains
	// an empty prompt.
	ErrEmptyPrompt = errors.New("prompt is empty")

	// ErrTooLong is returned when a request to send a message exceeds the
	// maximum configured length limit.
	ErrTooLong = errors.New("prompt too long")
)
