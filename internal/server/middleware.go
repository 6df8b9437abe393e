// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"fmt"
	"log"
	"math"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// ownerKey is the gin context key holding the caller's email.
const ownerKey = "owner"

// ============================================================================
// CORS Configuration and Middleware
// ============================================================================

// CORSConfig contains CORS (Cross-Origin Resource Sharing) configuration.
type CORSConfig struct {
	// AllowedOrigins is a list of allowed origins. "*" allows any origin.
	AllowedOrigins []string

	AllowedMethods []string
	AllowedHeaders []string

	// MaxAge is how long, in seconds, browsers may cache preflight results.
	MaxAge int
}

// DefaultCORSConfig returns a CORS configuration allowing the local web client.
func DefaultCORSConfig() *CORSConfig {
	return &CORSConfig{
		AllowedOrigins: []string{"http://localhost:8501"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "Accept-Language"},
		MaxAge:         86400,
	}
}

func (c *CORSConfig) isOriginAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	for _, allowed := range c.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// CORS answers preflight requests and sets CORS headers for allowed origins.
// Requests from other origins get no CORS headers, so browsers block them.
func CORS(config *CORSConfig) gin.HandlerFunc {
	methods := strings.Join(config.AllowedMethods, ", ")
	headers := strings.Join(config.AllowedHeaders, ", ")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if config.isOriginAllowed(origin) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", methods)
			h.Set("Access-Control-Allow-Headers", headers)
			h.Set("Access-Control-Max-Age", fmt.Sprintf("%d", config.MaxAge))
			h.Add("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// ============================================================================
// Rate Limiter
// ============================================================================

// RateLimiter is a per-IP token bucket limiter.
type RateLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	visitors map[string]*visitor

	// idle visitors are forgotten after this long
	ttl         time.Duration
	lastCleanup time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows rps requests per second per IP with bursts of burst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:       rate.Limit(rps),
		burst:       burst,
		visitors:    make(map[string]*visitor),
		ttl:         10 * time.Minute,
		lastCleanup: time.Now(),
	}
}

// Allow reports whether a request from ip may proceed.
func (rl *RateLimiter) Allow(ip string) bool {
	return rl.Reserve(ip) == 0
}

// Reserve takes a token for ip. It returns 0 when the request may proceed,
// otherwise how long the caller should wait before retrying.
func (rl *RateLimiter) Reserve(ip string) time.Duration {
	now := time.Now()

	rl.mu.Lock()
	if now.Sub(rl.lastCleanup) > rl.ttl {
		rl.cleanupLocked(now)
	}
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now
	rl.mu.Unlock()

	if v.limiter.AllowN(now, 1) {
		return 0
	}
	r := v.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	if delay <= 0 {
		delay = time.Second
	}
	return delay
}

func (rl *RateLimiter) cleanupLocked(now time.Time) {
	for ip, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.ttl {
			delete(rl.visitors, ip)
		}
	}
	rl.lastCleanup = now
}

// RateLimit rejects requests over the limit with 429 Too Many Requests.
func RateLimit(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if wait := limiter.Reserve(ip); wait > 0 {
			secs := int(math.Ceil(wait.Seconds()))
			c.Header("Retry-After", fmt.Sprintf("%d", secs))
			log.Printf("RATE_LIMITED | ip=%s path=%s", ip, c.Request.URL.Path)
			abortError(c, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		c.Next()
	}
}

// ============================================================================
// Request Logging Middleware
// ============================================================================

// Logger logs every request after it completes.
//
// Log format: "HTTP_REQUEST | method=POST path=/api/sessions status=201 duration=12ms ip=127.0.0.1"
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Printf("HTTP_REQUEST | method=%s path=%s status=%d duration=%s ip=%s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(),
			time.Since(start).Round(time.Millisecond), c.ClientIP())
	}
}

// ============================================================================
// Security Headers Middleware
// ============================================================================

// SecurityHeaders adds security headers to every response.
//
// Headers set:
//   - X-Content-Type-Options: nosniff
//   - X-Frame-Options: DENY
//   - Referrer-Policy: no-referrer
//   - Cache-Control: no-store
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		c.Next()
	}
}

// ============================================================================
// Recovery Middleware
// ============================================================================

// Recovery turns a panicking handler into a 500 response and logs the stack.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("PANIC_RECOVERED | method=%s path=%s err=%v\n%s",
					c.Request.Method, c.Request.URL.Path, err, debug.Stack())
				if !c.Writer.Written() {
					abortError(c, http.StatusInternalServerError, "internal server error")
				} else {
					c.Abort()
				}
			}
		}()
		c.Next()
	}
}

// ============================================================================
// Identity Middleware
// ============================================================================

// Identity reads the caller's email from header, which the reverse proxy in
// front of the server sets after authenticating the user. Requests without
// it are anonymous.
func Identity(header string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if email := strings.ToLower(strings.TrimSpace(c.GetHeader(header))); email != "" {
			c.Set(ownerKey, email)
		}
		c.Next()
	}
}

// RequireOwner rejects anonymous requests with 401 Unauthorized.
func RequireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		if owner(c) == "" {
			abortError(c, http.StatusUnauthorized, "sign in required")
			return
		}
		c.Next()
	}
}

// owner returns the caller's email, "" for anonymous requests.
func owner(c *gin.Context) string {
	return c.GetString(ownerKey)
}
