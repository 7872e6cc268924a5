package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	apperrors "github.com/kangjinkui/katokbot/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "encode", RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}, func() error {
		calls++
		if calls < 2 {
			return errBoom
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryGivesUp(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "encode", RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}, func() error {
		calls++
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 3, calls)
}

func TestRetrySkipsNonRetryable(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "encode", RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		Retryable:    func(err error) bool { return !errors.Is(err, errBoom) },
	}, func() error {
		calls++
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, calls)
}

func TestRetryReportsBackoffAndStopsOnInvalidInput(t *testing.T) {
	var waits []time.Duration
	cfg := RetryConfig{
		MaxAttempts:  4,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		OnRetry:      func(_ int, _ error, d time.Duration) { waits = append(waits, d) },
	}
	calls := 0
	err := Retry(context.Background(), "encode", cfg, func() error {
		calls++
		if calls == 3 {
			return fmt.Errorf("bad batch: %w", apperrors.ErrInvalidInput)
		}
		return errBoom
	})
	require.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.Equal(t, 3, calls)
	require.Len(t, waits, 2)
	for _, d := range waits {
		assert.LessOrEqual(t, d, 2*time.Millisecond)
	}
}

func TestRetryAbandonedOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Hour,
		OnRetry:      func(int, error, time.Duration) { cancel() },
	}
	err := Retry(ctx, "encode", cfg, func() error { return errBoom })
	require.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, errBoom)
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker("encoder", CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	assert.Equal(t, "closed", cb.State())

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, cb.Execute(func() error { return errBoom }), errBoom)
	}
	assert.Equal(t, "open", cb.State())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.False(t, called)
	assert.True(t, IsCircuitOpen(err))
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	cb := NewCircuitBreaker("encoder", CircuitBreakerConfig{FailureThreshold: 1})
	_ = cb.Execute(func() error { return context.Canceled })
	assert.Equal(t, "closed", cb.State())
}

func TestCallTimesOut(t *testing.T) {
	_, err := Call(context.Background(), 10*time.Millisecond, "slow", func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	v, err := Call(context.Background(), time.Second, "fast", func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}
