package middleware

import (
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestRequestID_GeneratesAndEchoes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	var seen string
	r.GET("/x", func(c *gin.Context) {
		v, _ := c.Get(requestIDKey)
		seen = ctxString(v)
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	hdr := w.Header().Get("X-Request-ID")
	if hdr == "" || hdr != seen {
		t.Fatalf("header %q vs context %q", hdr, seen)
	}
	if !regexp.MustCompile(`^[0-9a-f-]{36}$`).MatchString(hdr) {
		t.Fatalf("generated id not a UUID: %q", hdr)
	}
}

func TestRequestID_PropagatesClientID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-ID", "client-rid-7")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "client-rid-7" {
		t.Fatalf("id not propagated: %q", got)
	}
}

func TestLogger_LevelsAndContextLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := withCapturedLogger(t)

	r := gin.New()
	r.Use(RequestID(), Logger())
	r.GET("/ok", func(c *gin.Context) {
		// the request-scoped logger must be available to handlers
		LoggerFrom(c).Info().Msg("from_handler")
		c.Status(http.StatusOK)
	})
	r.GET("/missing", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusBadGateway) })

	for _, p := range []string{"/ok", "/missing", "/boom"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, p, nil))
	}

	logs := buf.String()
	if !strings.Contains(logs, `"from_handler"`) {
		t.Fatalf("handler log line missing: %s", logs)
	}
	if !strings.Contains(logs, `"level":"info"`) ||
		!strings.Contains(logs, `"level":"warn"`) ||
		!strings.Contains(logs, `"level":"error"`) {
		t.Fatalf("expected one line per level: %s", logs)
	}
	if !strings.Contains(logs, `"path":"/ok"`) {
		t.Fatalf("expected route path in log: %s", logs)
	}
}

func TestRecovery_PanicToEnvelope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	_ = withCapturedLogger(t) // swallow the stack trace line

	r := gin.New()
	r.Use(RequestID(), Recovery())
	r.GET("/panic", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"code":"internal_error"`) || !strings.Contains(body, `"request_id"`) {
		t.Fatalf("unexpected panic body: %s", body)
	}
}

func TestLoggerFrom_FallbackWithoutMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if LoggerFrom(c) == nil {
		t.Fatalf("LoggerFrom must never return nil")
	}
}

func Test_truncate(t *testing.T) {
	if got := truncate("abc", 10); got != "abc" {
		t.Fatalf("short string changed: %q", got)
	}
	if got := truncate("abcdef", 3); got != "abc…" {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("abcdef", 0); got != "abcdef" {
		t.Fatalf("max<=0 must disable truncation: %q", got)
	}
}
