package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(burst int, interval time.Duration) (*rateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	rl := newRateLimiter(RateLimitConfig{Burst: burst, RefillInterval: interval})
	rl.now = clock.now
	return rl, clock
}

func TestRateLimiterBurst(t *testing.T) {
	rl, _ := newTestLimiter(3, time.Second)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.allow(), "message %d within burst", i)
	}
	assert.False(t, rl.allow(), "burst exhausted")
}

func TestRateLimiterRefill(t *testing.T) {
	rl, clock := newTestLimiter(2, time.Second)
	assert.True(t, rl.allow())
	assert.True(t, rl.allow())
	assert.False(t, rl.allow())

	clock.advance(500 * time.Millisecond)
	assert.True(t, rl.allow(), "half the interval refills one token")
	assert.False(t, rl.allow())

	clock.advance(time.Hour)
	assert.True(t, rl.allow())
	assert.True(t, rl.allow())
	assert.False(t, rl.allow(), "refill is capped at the burst")
}

func TestRateLimiterInvalidConfig(t *testing.T) {
	rl, _ := newTestLimiter(0, 0)

	assert.True(t, rl.allow(), "capacity defaults to one")
	assert.False(t, rl.allow())
}

// TestRateLimiterSteadyPace verifies that once the burst is spent, messages
// are admitted one per emission interval and never earlier.
func TestRateLimiterSteadyPace(t *testing.T) {
	rl, clock := newTestLimiter(4, 2*time.Second)
	for i := 0; i < 4; i++ {
		assert.True(t, rl.allow())
	}

	for i := 0; i < 3; i++ {
		clock.advance(499 * time.Millisecond)
		assert.False(t, rl.allow(), "step %d: too early", i)
		clock.advance(time.Millisecond)
		assert.True(t, rl.allow(), "step %d: one emission interval elapsed", i)
	}
}

// TestRateLimiterRefusalDoesNotConsume verifies that refused messages do not
// push back the next admission.
func TestRateLimiterRefusalDoesNotConsume(t *testing.T) {
	rl, clock := newTestLimiter(1, time.Second)
	assert.True(t, rl.allow())
	for i := 0; i < 10; i++ {
		assert.False(t, rl.allow())
	}

	clock.advance(time.Second)
	assert.True(t, rl.allow())
}
