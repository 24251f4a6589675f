// Package ratelimit provides rate limiting middleware for the escrowsync API.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per key
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// IdleTTL drops keys not seen for this long
	IdleTTL time.Duration
	// CleanupInterval is how often to clean old entries
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults for read endpoints
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         20,
		IdleTTL:           2 * time.Minute,
		CleanupInterval:   time.Minute,
	}
}

// ActionConfig is stricter: each accepted action may submit a transaction.
func ActionConfig() Config {
	return Config{
		RequestsPerMinute: 12,
		BurstSize:         3,
		IdleTTL:           5 * time.Minute,
		CleanupInterval:   time.Minute,
	}
}

// KeyFunc derives the bucket a request is charged to
type KeyFunc func(c *gin.Context) string

// ByClientIP charges requests to the caller's IP
func ByClientIP(c *gin.Context) string {
	return c.ClientIP()
}

// ByClientAndDeal charges requests to the caller's IP and the :dealId param,
// so one busy deal does not exhaust a client's budget for others.
func ByClientAndDeal(c *gin.Context) string {
	return c.ClientIP() + "|" + c.Param("dealId")
}

// Limiter tracks a token bucket per key
type Limiter struct {
	cfg     Config
	now     func() time.Time
	mu      sync.Mutex
	clients map[string]*entry
	stop    chan struct{}
	once    sync.Once
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a new rate limiter and starts its cleanup loop
func New(cfg Config) *Limiter {
	l := newLimiter(cfg, time.Now)
	go l.cleanup()
	return l
}

func newLimiter(cfg Config, now func() time.Time) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 2 * time.Minute
	}
	return &Limiter{
		cfg:     cfg,
		now:     now,
		clients: make(map[string]*entry),
		stop:    make(chan struct{}),
	}
}

// cleanup removes stale entries periodically
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.cfg.IdleTTL)
	for key, e := range l.clients {
		if e.lastSeen.Before(cutoff) {
			delete(l.clients, key)
		}
	}
}

// Stop stops the cleanup goroutine
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow checks if a request should be allowed
func (l *Limiter) Allow(key string) bool {
	now := l.now()
	return l.limiterFor(key, now).AllowN(now, 1)
}

// retryAfter is how long until key has a token again, in whole seconds
func (l *Limiter) retryAfter(key string) int {
	now := l.now()
	r := l.limiterFor(key, now).ReserveN(now, 1)
	defer r.CancelAt(now)
	return int(math.Ceil(r.DelayFrom(now).Seconds()))
}

func (l *Limiter) limiterFor(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.clients[key]
	if !ok {
		perSecond := rate.Limit(float64(l.cfg.RequestsPerMinute) / 60.0)
		e = &entry{limiter: rate.NewLimiter(perSecond, l.cfg.BurstSize)}
		l.clients[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

// Middleware returns a Gin middleware that rate limits by key
func (l *Limiter) Middleware(key KeyFunc) gin.HandlerFunc {
	if key == nil {
		key = ByClientIP
	}
	return func(c *gin.Context) {
		k := key(c)
		if !l.Allow(k) {
			retry := max(l.retryAfter(k), 1)
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retry,
			})
			return
		}
		c.Next()
	}
}
