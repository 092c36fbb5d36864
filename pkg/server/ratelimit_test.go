package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterBurstAndRefill(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := newRateLimiter(3, 3*time.Second)
	rl.now = func() time.Time { return now }
	rl.lastCheck = now

	for i := 0; i < 3; i++ {
		assert.True(t, rl.allow(), "token %d", i)
	}
	assert.False(t, rl.allow(), "bucket should be empty")

	now = now.Add(time.Second)
	assert.True(t, rl.allow())
	assert.False(t, rl.allow())

	// Refill never exceeds capacity
	now = now.Add(time.Hour)
	for i := 0; i < 3; i++ {
		assert.True(t, rl.allow())
	}
	assert.False(t, rl.allow())
}

func TestRateLimiterDefaults(t *testing.T) {
	rl := newRateLimiter(0, 0)
	assert.Equal(t, 1.0, rl.capacity)
	assert.Equal(t, 1.0, rl.rate)
}
