package ratelimit

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// Keyed hands out one token bucket per key. Idle buckets expire.
type Keyed struct {
	mu       sync.Mutex
	limiters *cache.Cache
	limit    rate.Limit
	burst    int
}

func NewKeyed(perMinute int, idle time.Duration) *Keyed {
	if perMinute <= 0 {
		perMinute = 600
	}
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &Keyed{
		limiters: cache.New(idle, idle),
		limit:    rate.Limit(float64(perMinute) / 60),
		burst:    max(1, perMinute/10),
	}
}

func (k *Keyed) Allow(key string) bool {
	return k.limiter(key).Allow()
}

func (k *Keyed) limiter(key string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()

	if x, found := k.limiters.Get(key); found {
		// touch to extend the idle window
		k.limiters.SetDefault(key, x)
		return x.(*rate.Limiter)
	}
	l := rate.NewLimiter(k.limit, k.burst)
	k.limiters.SetDefault(key, l)
	return l
}
