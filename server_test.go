package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"bitbucket.org/mmdatafocus/nesting_backend/app"
	"bitbucket.org/mmdatafocus/nesting_backend/utils"
	"github.com/gin-gonic/gin"
)

func TestTraceMiddleware_KeepsInboundTraceId(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(traceMiddleware())
	var seen string
	r.GET("/x", func(c *gin.Context) {
		seen, _ = utils.GetTraceIdFromContext(c.Request.Context())
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Trace-Id", "trace-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if seen != "trace-123" || w.Header().Get("X-Trace-Id") != "trace-123" {
		t.Fatalf("trace id not propagated: ctx=%q header=%q", seen, w.Header().Get("X-Trace-Id"))
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if seen == "" || w.Header().Get("X-Trace-Id") != seen {
		t.Fatalf("expected a minted trace id, got ctx=%q header=%q", seen, w.Header().Get("X-Trace-Id"))
	}
}

func TestOpsAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ops", opsAuth(), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	cases := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"unset token closes ops", "", "Bearer anything", http.StatusUnauthorized},
		{"wrong token", "s3cret", "Bearer nope", http.StatusUnauthorized},
		{"missing header", "s3cret", "", http.StatusUnauthorized},
		{"valid token", "s3cret", "Bearer s3cret", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("OPS_TOKEN", tc.token)
			req := httptest.NewRequest(http.MethodGet, "/ops", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestWithApp_UnavailableUntilWired(t *testing.T) {
	gin.SetMode(gin.TestMode)
	current.Store(nil)
	r := gin.New()
	called := false
	r.POST("/x", withApp(func(*app.App) gin.HandlerFunc {
		return func(c *gin.Context) { called = true }
	}))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", nil))
	if w.Code != http.StatusServiceUnavailable || called {
		t.Fatalf("expected 503 before wiring, got %d called=%v", w.Code, called)
	}
}
