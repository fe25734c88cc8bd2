// Package ratelimit provides sliding-window rate limiting for the Sentinel API.
//
// Counters live in the external key-value store, keyed by (client, endpoint),
// so limits hold across horizontally scaled instances. A store failure never
// rejects traffic: the limiter fails open, because the fraud gate being
// unavailable must not itself become a denial-of-service vector.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sentinel/internal/kvstore"
	"github.com/mbd888/sentinel/internal/metrics"
)

// Class identifies the client class a request is limited under.
type Class string

const (
	ClassIP      Class = "ip"      // unauthenticated, keyed by client IP
	ClassService Class = "service" // service-token clients, higher limits
)

// Limit is a per-key-class request budget over a rolling window.
type Limit struct {
	MaxRequests int
	Window      time.Duration
}

// Config configures the limiter. Endpoint overrides win over class defaults.
type Config struct {
	IPDefault         Limit
	ServiceDefault    Limit
	EndpointOverrides map[string]Limit // keyed by route pattern, e.g. "/v1/evaluate"
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		IPDefault:      Limit{MaxRequests: 300, Window: time.Minute},
		ServiceDefault: Limit{MaxRequests: 3000, Window: time.Minute},
	}
}

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter checks request budgets against the backing store.
type Limiter struct {
	store  kvstore.Store
	cfg    Config
	logger *slog.Logger
}

// New creates a rate limiter backed by the given store.
func New(store kvstore.Store, cfg Config, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{store: store, cfg: cfg, logger: logger}
}

// limitFor resolves the effective limit: endpoint override first, then the
// class default.
func (l *Limiter) limitFor(class Class, endpoint string) Limit {
	if lim, ok := l.cfg.EndpointOverrides[endpoint]; ok {
		return lim
	}
	if class == ClassService {
		return l.cfg.ServiceDefault
	}
	return l.cfg.IPDefault
}

// Check evaluates the sliding window for (clientID, endpoint).
//
// The window is interpolated from two fixed buckets (current and previous):
// est = curr + prev * (1 - elapsed/window). On any store error the check
// fails open and logs a warning.
func (l *Limiter) Check(ctx context.Context, clientID, endpoint string, class Class) Result {
	lim := l.limitFor(class, endpoint)
	now := time.Now()
	windowStart := now.Truncate(lim.Window)
	resetAt := windowStart.Add(lim.Window)

	currKey := bucketKey(clientID, endpoint, windowStart)
	prevKey := bucketKey(clientID, endpoint, windowStart.Add(-lim.Window))

	// Buckets live for two windows so the previous one is still readable.
	curr, err := l.store.Incr(ctx, currKey, 2*lim.Window)
	if err != nil {
		return l.failOpen(lim, resetAt, err)
	}

	var prev int64
	if raw, ok, err := l.store.Get(ctx, prevKey); err != nil {
		return l.failOpen(lim, resetAt, err)
	} else if ok {
		prev, _ = strconv.ParseInt(string(raw), 10, 64)
	}

	elapsed := float64(now.Sub(windowStart)) / float64(lim.Window)
	estimated := float64(curr) + float64(prev)*(1.0-elapsed)

	remaining := lim.MaxRequests - int(math.Ceil(estimated))
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   estimated <= float64(lim.MaxRequests),
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

func (l *Limiter) failOpen(lim Limit, resetAt time.Time, err error) Result {
	l.logger.Warn("rate limit store unavailable, failing open", "error", err)
	metrics.DependencyErrorsTotal.WithLabelValues("ratelimit_store").Inc()
	return Result{Allowed: true, Remaining: lim.MaxRequests, ResetAt: resetAt}
}

func bucketKey(clientID, endpoint string, windowStart time.Time) string {
	return fmt.Sprintf("rl:%s:%s:%d", clientID, endpoint, windowStart.Unix())
}

// Middleware returns a gin middleware that rate limits by client and endpoint.
// Service-token clients (Authorization header) are limited under the service
// class; everything else under the IP class.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.ClientIP()
		class := ClassIP
		if token := c.GetHeader("Authorization"); token != "" {
			class = ClassService
			clientID = "svc:" + token[:min(20, len(token))]
		}

		endpoint := c.FullPath()
		res := l.Check(c.Request.Context(), clientID, endpoint, class)

		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

		if !res.Allowed {
			metrics.RateLimitedTotal.WithLabelValues(endpoint).Inc()
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": int(time.Until(res.ResetAt).Seconds()) + 1,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// ClientClass reports the class a client identifier belongs to.
// Exposed for logging and tests.
func ClientClass(clientID string) Class {
	if strings.HasPrefix(clientID, "svc:") {
		return ClassService
	}
	return ClassIP
}
