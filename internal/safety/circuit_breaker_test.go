package safety

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker("test", BreakerConfig{FailureThreshold: 3, Timeout: time.Hour})
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		err := b.Call(func() error { return boom })
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, BreakerOpen, b.State())

	// While open, calls are shed without running fn.
	ran := false
	err := b.Call(func() error { ran = true; return nil })
	var open *ErrBreakerOpen
	assert.ErrorAs(t, err, &open)
	assert.False(t, ran)
}

func TestBreaker_RecoversThroughHalfOpen(t *testing.T) {
	b := NewBreaker("test", BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, Timeout: 10 * time.Millisecond})

	require.Error(t, b.Call(func() error { return errors.New("boom") }))
	assert.Equal(t, BreakerOpen, b.State())

	time.Sleep(15 * time.Millisecond)
	assert.Equal(t, BreakerHalfOpen, b.State())

	require.NoError(t, b.Call(func() error { return nil }))
	assert.Equal(t, BreakerHalfOpen, b.State())
	require.NoError(t, b.Call(func() error { return nil }))
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker("test", BreakerConfig{FailureThreshold: 1, Timeout: 5 * time.Millisecond})

	require.Error(t, b.Call(func() error { return errors.New("boom") }))
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, BreakerHalfOpen, b.State())

	require.Error(t, b.Call(func() error { return errors.New("still broken") }))
	assert.Equal(t, BreakerOpen, b.State())
}

func TestRateLimiter_AllowAndRefill(t *testing.T) {
	rl := NewRateLimiter(2, 100)

	assert.True(t, rl.Allow())
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())

	// 100/s refill: a token returns within ~10ms.
	time.Sleep(20 * time.Millisecond)
	assert.True(t, rl.Allow())
}

func TestRateLimiter_WaitHonorsContext(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	require.True(t, rl.Allow()) // drain

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := rl.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLimiterSet_GetOrCreateReturnsSameInstance(t *testing.T) {
	set := NewLimiterSet()
	a := set.GetOrCreate("trading", 10, 10)
	b := set.GetOrCreate("trading", 99, 99)
	assert.Same(t, a, b)
}
