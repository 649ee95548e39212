// Package handlers defines the HTTP-layer error code taxonomy.
//
// Every error response carries one of these codes next to the HTTP status so
// clients can branch programmatically instead of parsing messages. Codes are
// lowercase snake_case; the generic ones mirror HTTP semantics, the rest name
// the operation that failed.
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeInternal         = "internal_error"

	// Operation-specific 5xx codes.
	ErrCodeAnswerFailed = "answer_failed"
	ErrCodeCreateFailed = "create_failed"
	ErrCodeListFailed   = "list_failed"
)
