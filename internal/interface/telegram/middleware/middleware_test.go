package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koda-community/koda-bot/pkg/logger"
)

func TestRecoveryMiddleware_Run(t *testing.T) {
	var seen *PanicInfo
	m := NewRecoveryMiddleware(RecoveryConfig{
		Logger:  logger.Discard(),
		OnPanic: func(_ context.Context, info *PanicInfo) { seen = info },
	})

	result, err := m.Run(context.Background(), "1", "stats", func() error { return nil })
	require.NoError(t, err)
	assert.False(t, result.Recovered)

	boom := errors.New("boom")
	result, err = m.Run(context.Background(), "1", "stats", func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, result.Recovered)

	result, err = m.Run(context.Background(), "1", "checkin", func() error { panic("nil map") })
	assert.Error(t, err)
	assert.True(t, result.Recovered)
	assert.Equal(t, DefaultPanicMessage, result.UserMessage)
	require.NotNil(t, seen)
	assert.Equal(t, "checkin", seen.Action)
	assert.EqualValues(t, 1, m.Panics())

	cause := errors.New("index out of range")
	_, err = m.Run(context.Background(), "1", "checkin", func() error { panic(cause) })
	assert.ErrorIs(t, err, cause)
}

func TestRateLimiter_Check(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 60, BurstSize: 2, Exempt: map[string]bool{"admin": true}})
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Check("1").Allowed)
	assert.True(t, rl.Check("1").Allowed)

	limited := rl.Check("1")
	assert.False(t, limited.Allowed)
	assert.Equal(t, time.Second, limited.RetryAfter)
	assert.Equal(t, "Slow down a little. Try again in 1s.", limited.Message())

	// Other users have their own bucket.
	assert.True(t, rl.Check("2").Allowed)

	now = now.Add(time.Second)
	assert.True(t, rl.Check("1").Allowed)

	for i := 0; i < 10; i++ {
		assert.True(t, rl.Check("admin").Allowed)
	}

	rl.Reset("1")
	assert.Equal(t, 1, rl.Tracked())
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{})
	for i := 0; i < 100; i++ {
		assert.True(t, rl.Check("1").Allowed)
	}
	assert.Zero(t, rl.Tracked())
}

func TestRateLimiter_PrunesIdleBuckets(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 6000, BurstSize: 1000, IdleTTL: time.Minute})
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.Check("stale")
	now = now.Add(2 * time.Minute)
	for i := 0; i < pruneEvery; i++ {
		rl.Check("active")
	}
	assert.Equal(t, 1, rl.Tracked())
}
