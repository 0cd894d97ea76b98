package channels

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedKeys caps the number of tracked rate-limit keys to prevent
	// memory exhaustion from attackers rotating source IPs/keys.
	maxTrackedKeys = 4096

	// webhookRatePerSecond and webhookBurst size the per-key token bucket:
	// roughly 30 requests per minute sustained, with a small burst allowance.
	webhookRatePerSecond = rate.Limit(0.5)
	webhookBurst         = 10
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// WebhookRateLimiter bounds the number of tracked rate-limit keys to
// prevent memory exhaustion from rotating source keys, and rate-limits
// each key with a token-bucket limiter. Safe for concurrent use.
type WebhookRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
}

// NewWebhookRateLimiter creates a bounded webhook rate limiter.
func NewWebhookRateLimiter() *WebhookRateLimiter {
	return &WebhookRateLimiter{entries: make(map[string]*limiterEntry)}
}

// Allow reports whether key is currently within its rate limit. It
// evicts the least-recently-seen tracked key when the cap is reached.
func (r *WebhookRateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	e, ok := r.entries[key]
	if !ok {
		if len(r.entries) >= maxTrackedKeys {
			r.evictOldest()
		}
		e = &limiterEntry{limiter: rate.NewLimiter(webhookRatePerSecond, webhookBurst)}
		r.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// evictOldest drops the least-recently-seen tracked key. Called only
// while r.mu is held.
func (r *WebhookRateLimiter) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for k, e := range r.entries {
		if oldest.IsZero() || e.lastSeen.Before(oldest) {
			oldest = e.lastSeen
			oldestKey = k
		}
	}
	if oldestKey != "" {
		delete(r.entries, oldestKey)
	}
}
