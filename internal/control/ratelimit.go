package control

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateConfig is the per-type bucket shape: refill at Hz, capacity Burst.
type RateConfig struct {
	Hz    float64
	Burst int
}

// RateLimiter keeps one token bucket per message type. e_stop never
// consults it.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	configs  map[string]RateConfig
	fallback RateConfig
}

// NewRateLimiter builds the limiter; perType overrides the fallback
// shape for specific message types. Burst below 1 is raised to 1.
func NewRateLimiter(fallback RateConfig, perType map[string]RateConfig) *RateLimiter {
	if fallback.Burst < 1 {
		fallback.Burst = 1
	}
	return &RateLimiter{
		buckets:  make(map[string]*rate.Limiter),
		configs:  perType,
		fallback: fallback,
	}
}

// Allow consumes one token from the bucket for msgType.
func (r *RateLimiter) Allow(msgType string) bool {
	r.mu.Lock()
	b, ok := r.buckets[msgType]
	if !ok {
		cfg, ok := r.configs[msgType]
		if !ok {
			cfg = r.fallback
		}
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
		b = rate.NewLimiter(rate.Limit(cfg.Hz), cfg.Burst)
		r.buckets[msgType] = b
	}
	r.mu.Unlock()
	return b.Allow()
}
