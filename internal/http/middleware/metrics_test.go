package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_CountsByRouteAndStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Metrics())
	r.GET("/sessions/:id", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	before := testutil.ToFloat64(reqTotal.WithLabelValues("GET", "/sessions/:id", "200"))

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions/abc", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
	}

	after := testutil.ToFloat64(reqTotal.WithLabelValues("GET", "/sessions/:id", "200"))
	if after-before != 3 {
		t.Fatalf("counter delta = %v; want 3", after-before)
	}
}

func TestMetrics_UnmatchedRouteUsesRawPath(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Metrics())

	before := testutil.ToFloat64(reqTotal.WithLabelValues("GET", "/not-registered", "404"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/not-registered", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}

	after := testutil.ToFloat64(reqTotal.WithLabelValues("GET", "/not-registered", "404"))
	if after-before != 1 {
		t.Fatalf("counter delta = %v; want 1", after-before)
	}
}

func TestMetrics_InflightReturnsToZero(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Metrics())
	var during float64
	r.GET("/x", func(c *gin.Context) {
		during = testutil.ToFloat64(reqInflight)
		c.Status(http.StatusOK)
	})

	base := testutil.ToFloat64(reqInflight)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	if during != base+1 {
		t.Fatalf("inflight during request = %v; want %v", during, base+1)
	}
	if got := testutil.ToFloat64(reqInflight); got != base {
		t.Fatalf("inflight after request = %v; want %v", got, base)
	}
}
