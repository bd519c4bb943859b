package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/scrypster/entityres/internal/metrics"
)

// RequireAuth enforces a bearer token. An empty token disables the check.
func RequireAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized", Code: "UNAUTHORIZED"})
			return
		}
		c.Next()
	}
}

// clientIdle is how long an unused per-client limiter is kept.
const clientIdle = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client address.
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu        sync.Mutex
	clients   map[string]*visitor
	lastPrune time.Time
	now       func() time.Time
}

// NewRateLimiter creates a limiter allowing reqPerSec sustained requests and
// bursts of up to burst per client. A non-positive rate disables limiting.
func NewRateLimiter(reqPerSec float64, burst int) *RateLimiter {
	limit := rate.Limit(reqPerSec)
	if reqPerSec <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:   limit,
		burst:   burst,
		clients: make(map[string]*visitor),
		now:     time.Now,
	}
}

// Allow reports whether client may make a request now.
func (rl *RateLimiter) Allow(client string) bool {
	rl.mu.Lock()
	now := rl.now()
	if now.Sub(rl.lastPrune) > clientIdle {
		for k, v := range rl.clients {
			if now.Sub(v.lastSeen) > clientIdle {
				delete(rl.clients, k)
			}
		}
		rl.lastPrune = now
	}
	v, ok := rl.clients[client]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[client] = v
	}
	v.lastSeen = now
	rl.mu.Unlock()
	return v.limiter.AllowN(now, 1)
}

// Middleware rejects requests over the client's budget with 429.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded", Code: "RATE_LIMITED"})
			return
		}
		c.Next()
	}
}

// corsMiddleware allows browser clients from origins. A single "*" allows
// any origin without credentials.
func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	if len(origins) == 1 && origins[0] == "*" {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	cfg.AddAllowHeaders("Authorization")
	cfg.AddExposeHeaders("Content-Length")
	return cors.New(cfg)
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

// requestLogger logs every request and feeds the HTTP metrics.
func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)
		status := c.Writer.Status()
		metrics.RecordHTTPRequest(c.FullPath(), status, elapsed)

		entry := log.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     status,
			"latency_ms": elapsed.Milliseconds(),
			"client_ip":  c.ClientIP(),
		})
		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("request failed")
		case status >= http.StatusBadRequest:
			entry.Warn("request rejected")
		default:
			entry.Debug("request served")
		}
	}
}
