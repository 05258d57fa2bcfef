package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errBoom = errors.New("boom")

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func newTestBreaker(now *time.Time, opts ...Option) *CircuitBreaker {
	cb := New("test", opts...)
	cb.now = func() time.Time { return *now }
	return cb
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := newTestBreaker(&now, WithFailureThreshold(2), WithTimeout(time.Minute))
	ctx := context.Background()

	assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
	assert.True(t, IsRejected(err))
}

func TestBreaker_HalfOpenRecovers(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var transitions []State
	cb := newTestBreaker(&now,
		WithFailureThreshold(1),
		WithSuccessThreshold(1),
		WithTimeout(time.Minute),
		WithOnStateChange(func(_ string, _, to State) { transitions = append(transitions, to) }),
	)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	now = now.Add(2 * time.Minute)

	assert.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := newTestBreaker(&now, WithFailureThreshold(1), WithTimeout(time.Minute))
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	now = now.Add(2 * time.Minute)
	_ = cb.Execute(ctx, fail)

	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)
}

func TestBreaker_IsFailureFilter(t *testing.T) {
	now := time.Now()
	ignored := errors.New("not found")
	cb := newTestBreaker(&now,
		WithFailureThreshold(1),
		WithIsFailure(func(err error) bool { return !errors.Is(err, ignored) }),
	)

	_ = cb.Execute(context.Background(), func(context.Context) error { return ignored })

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 1, cb.Counts().TotalSuccesses)
}

func TestBreaker_FallbackAndReset(t *testing.T) {
	now := time.Now()
	cb := newTestBreaker(&now, WithFailureThreshold(1))
	ctx := context.Background()
	_ = cb.Execute(ctx, fail)

	err := cb.ExecuteWithFallback(ctx, succeed, func(error) error { return nil })
	assert.NoError(t, err)

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, Counts{}, cb.Counts())
}

func TestPresets(t *testing.T) {
	assert.Equal(t, "github-api", GitHubBreaker(nil).Name())
	assert.Equal(t, "telegram-api", TelegramBreaker(nil).Name())
}
