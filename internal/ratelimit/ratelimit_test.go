package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	return newLimiter(cfg, clock.Now), clock
}

func TestLimiterAllow(t *testing.T) {
	limiter, clock := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 5})

	key := "test-ip"

	// Should allow burst size requests immediately
	for i := 0; i < 5; i++ {
		if !limiter.Allow(key) {
			t.Errorf("Request %d should be allowed (within burst)", i)
		}
	}

	// Next request should be denied
	if limiter.Allow(key) {
		t.Error("Request after burst should be denied")
	}

	// 1 second = 1 token at 60/min
	clock.Advance(time.Second)

	if !limiter.Allow(key) {
		t.Error("Request after waiting should be allowed")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter, _ := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	// Client A uses up their tokens
	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}

	if limiter.Allow("client-a") {
		t.Error("Client A should be rate limited")
	}
	if !limiter.Allow("client-b") {
		t.Error("Client B should not be affected by client A")
	}
}

func TestLimiterSweepDropsIdleKeys(t *testing.T) {
	limiter, clock := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 1, IdleTTL: time.Minute})

	limiter.Allow("idle")
	clock.Advance(30 * time.Second)
	limiter.Allow("active")
	clock.Advance(45 * time.Second)
	limiter.sweep()

	limiter.mu.Lock()
	_, idle := limiter.clients["idle"]
	_, active := limiter.clients["active"]
	limiter.mu.Unlock()

	if idle {
		t.Error("idle key should be swept")
	}
	if !active {
		t.Error("recently seen key should be kept")
	}
}

func TestMiddleware_ByClientAndDeal(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter, _ := newTestLimiter(Config{RequestsPerMinute: 6, BurstSize: 1})

	r := gin.New()
	r.POST("/v1/deals/:dealId/actions", limiter.Middleware(ByClientAndDeal), func(c *gin.Context) {
		c.Status(http.StatusAccepted)
	})

	do := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.RemoteAddr = "10.0.0.1:1234"
		r.ServeHTTP(w, req)
		return w
	}

	if w := do("/v1/deals/a/actions"); w.Code != http.StatusAccepted {
		t.Fatalf("first request = %d", w.Code)
	}
	w := do("/v1/deals/a/actions")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request to same deal = %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got == "" || got == "0" {
		t.Errorf("Retry-After = %q, want a positive delay", got)
	}
	if w := do("/v1/deals/b/actions"); w.Code != http.StatusAccepted {
		t.Errorf("other deal = %d, want 202", w.Code)
	}
}

func TestConfigs(t *testing.T) {
	def := DefaultConfig()
	act := ActionConfig()
	if act.RequestsPerMinute >= def.RequestsPerMinute {
		t.Error("action limit should be stricter than the default")
	}
	if def.BurstSize <= 0 || act.BurstSize <= 0 {
		t.Error("burst sizes should be positive")
	}
}

func TestStop_Idempotent(t *testing.T) {
	limiter := New(DefaultConfig())
	limiter.Stop()
	limiter.Stop()
}
