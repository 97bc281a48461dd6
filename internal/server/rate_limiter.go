package server

import (
	"sync"
	"time"
)

// rateLimiter admits up to Burst messages per RefillInterval, paced as a
// generic cell rate: each admitted message pushes the theoretical arrival
// time forward by one emission interval, and a message is refused while that
// time runs more than the burst allowance ahead of the clock.
type rateLimiter struct {
	mu        sync.Mutex
	emission  time.Duration
	tolerance time.Duration
	tat       time.Time
	now       func() time.Time
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	burst := max(cfg.Burst, 1)
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}

	emission := interval / time.Duration(burst)
	return &rateLimiter{
		emission:  emission,
		tolerance: interval - emission,
		now:       time.Now,
	}
}

func (rl *rateLimiter) allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	tat := rl.tat
	if tat.Before(now) {
		tat = now
	}
	if tat.Sub(now) > rl.tolerance {
		return false
	}
	rl.tat = tat.Add(rl.emission)
	return true
}
