// Package ratelimit throttles API clients.
package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/logging"
)

// Config configures rate limiting.
type Config struct {
	// RequestsPerMinute is the budget per client key.
	RequestsPerMinute int64
	// Period overrides the one-minute window (tests).
	Period time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{RequestsPerMinute: 600, Period: time.Minute}
}

// Limiter wraps a ulule limiter with an in-process store.
type Limiter struct {
	instance *limiter.Limiter
}

// New creates a limiter.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if cfg.Period <= 0 {
		cfg.Period = time.Minute
	}
	rate := limiter.Rate{Period: cfg.Period, Limit: cfg.RequestsPerMinute}
	return &Limiter{instance: limiter.New(memory.NewStore(), rate)}
}

// Key identifies the client: the authenticated user when known, else the IP.
func Key(c *gin.Context) string {
	if id, ok := auth.Caller(c); ok {
		return "user:" + id.UserID
	}
	return "ip:" + c.ClientIP()
}

// Middleware rejects clients over budget with 429. It must run after
// auth.Middleware so authenticated users get their own bucket.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		lctx, err := l.instance.Get(c.Request.Context(), Key(c))
		if err != nil {
			// Fail open; the store is in-process.
			logging.L(c.Request.Context()).Warn("rate limiter unavailable", "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			retry := lctx.Reset - time.Now().Unix()
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.FormatInt(retry, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}
