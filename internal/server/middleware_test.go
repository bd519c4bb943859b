package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func okRouter(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw...)
	r.GET("/v1/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func get(r http.Handler, remote, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/ping", nil)
	req.RemoteAddr = remote
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireAuth(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"disabled", "", "", http.StatusOK},
		{"missing", "secret", "", http.StatusUnauthorized},
		{"wrong", "secret", "Bearer nope", http.StatusUnauthorized},
		{"valid", "secret", "Bearer secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(okRouter(RequireAuth(tt.token)), "10.0.0.1:1234", tt.header)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusUnauthorized {
				assert.JSONEq(t, `{"error":"unauthorized","code":"UNAUTHORIZED"}`, w.Body.String())
			}
		})
	}
}

func TestRateLimiter_AllowsNormalRate(t *testing.T) {
	r := okRouter(NewRateLimiter(10, 20).Middleware())
	for i := 0; i < 10; i++ {
		assert.Equal(t, http.StatusOK, get(r, "10.0.0.1:1234", "").Code)
	}
}

func TestRateLimiter_RejectsExcessiveRatePerClient(t *testing.T) {
	r := okRouter(NewRateLimiter(1, 2).Middleware())

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, get(r, "10.0.0.1:1234", "").Code)
	}
	w := get(r, "10.0.0.1:1234", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, `{"error":"rate limit exceeded","code":"RATE_LIMITED"}`, w.Body.String())

	// Another client has its own bucket.
	assert.Equal(t, http.StatusOK, get(r, "10.0.0.2:1234", "").Code)
}

func TestRateLimiter_DisabledWithZeroRate(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, rl.Allow("c"))
	}
}

func TestRateLimiter_PrunesIdleClients(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.Allow("a")
	rl.Allow("b")
	assert.Len(t, rl.clients, 2)

	now = now.Add(2 * clientIdle)
	rl.Allow("c")
	assert.Len(t, rl.clients, 1)
	assert.Contains(t, rl.clients, "c")
}

func TestSecurityHeaders(t *testing.T) {
	w := get(okRouter(securityHeaders()), "10.0.0.1:1234", "")
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}

func TestCORS(t *testing.T) {
	r := okRouter(corsMiddleware([]string{"https://app.example.com"}))

	req := httptest.NewRequest(http.MethodOptions, "/v1/ping", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/v1/ping", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
