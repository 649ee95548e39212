// Package handlers implements the HTTP handlers for the public API.
//
// Response conventions shared by every endpoint live in this file: all
// failures serialize to ErrorResponse with a stable machine-readable code,
// and all success bodies go through ok/noContent so handlers never write
// JSON directly.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agrisage/agrichat-backend/internal/http/middleware"
)

// ErrorResponse is the error envelope returned by every endpoint.
// RequestID echoes the X-Request-ID response header so a client report can
// be matched to server logs. Code is one of the errors.go constants.
type ErrorResponse struct {
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	Code      string `json:"code" example:"not_found"`
	Message   string `json:"message" example:"resource not found"`
}

// fail aborts the request with a structured error envelope.
// Responses at or above 500 are also logged through the request-scoped
// logger; client errors are the caller's problem and stay out of the logs.
func fail(c *gin.Context, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}

	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	})
}

// Fail exposes fail to packages outside handlers, such as the router's
// fallback routes.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
