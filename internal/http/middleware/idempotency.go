// Package middleware holds the Gin middleware shared by the HTTP layer.
//
// Idempotency support lives here: the validator checks the Idempotency-Key
// header on unsafe requests, stashes the normalized key in the request
// context, and consults a pluggable lookup to detect replays of previously
// completed sends. Handlers stay in charge of actually serving the stored
// result; the middleware only flags the request.
package middleware

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey carries the client-chosen retry key for unsafe
// operations. Clients reuse the same value when retrying a send so the
// server can deduplicate.
const HeaderIdempotencyKey = "Idempotency-Key"

const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay"
	ctxKeyRateBypass = "rate.bypass"
)

const defaultKeyMaxLen = 200

// Token-ish charset: letters, digits, and the separators UUID and ULID
// style keys use.
var defaultKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)

// GetIdempotencyKey returns the validated key stashed by IdempotencyValidator,
// with ok=false when the request carried no usable key.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// IsReplay reports whether the lookup found a completed prior request for
// this (user, session, key) tuple.
func IsReplay(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyIdemReplay)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// IdempotencyOptions tunes header validation. TTL windows belong to the
// lookup implementation, not the middleware.
type IdempotencyOptions struct {
	// MaxLen caps accepted key length; values <= 0 fall back to 200.
	MaxLen int
	// Pattern restricts the key charset; nil falls back to a token-like
	// pattern that admits UUIDs and ULIDs.
	Pattern *regexp.Regexp
}

// IdempotencyLookup reports whether a still-valid completed result exists
// for (userID, sessionID, key) at the given time. Lookup failures must not
// block the request; return exists=false instead.
type IdempotencyLookup func(ctx context.Context, userID, sessionID, key string, now time.Time) (exists bool, err error)

// IdempotencyValidator validates an Idempotency-Key header when present,
// stashes it for handlers, and marks the request as a replay (with a rate
// limit bypass) when the lookup recognizes it. Requests without the header
// pass through untouched; a malformed header is rejected with 400 before
// any handler runs.
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = defaultKeyMaxLen
	}
	pat := opts.Pattern
	if pat == nil {
		pat = defaultKeyPattern
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"code":    "bad_idempotency_key",
				"message": "invalid Idempotency-Key",
			})
			return
		}

		c.Set(ctxKeyIdemKey, key)

		if lookup != nil {
			hit, _ := lookup(c.Request.Context(), userIDFromCtx(c), c.Param("id"), key, time.Now().UTC())
			if hit {
				c.Set(ctxKeyIdemReplay, true)
				c.Set(ctxKeyRateBypass, true)
			}
		}

		c.Next()
	}
}

// userIDFromCtx resolves the caller identity the same way the handlers do:
// context value set by auth middleware first, then the X-User-ID header,
// then the development fallback.
func userIDFromCtx(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return "demo-user"
}
