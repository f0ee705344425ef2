package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, InitialWait: time.Millisecond, MaxWait: 5 * time.Millisecond, Multiplier: 2}
}

func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		if calls < 3 {
			return Retryable(errors.New("connection reset"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("404")
	calls := 0
	err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	transient := errors.New("timeout")
	calls := 0
	err := Do(context.Background(), fastConfig(4), func() error {
		calls++
		return Retryable(transient)
	})
	require.ErrorIs(t, err, transient)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 4, calls)
}

func TestDoZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), Config{}, func() error {
		calls++
		return Retryable(errors.New("x"))
	})
	assert.Equal(t, 1, calls)
}

func TestDoWithResultHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 10, InitialWait: time.Hour, Multiplier: 1}

	calls := 0
	_, err := DoWithResult(ctx, cfg, func() (int, error) {
		calls++
		cancel()
		return 0, Retryable(errors.New("x"))
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestBackoffIsCapped(t *testing.T) {
	cfg := Config{InitialWait: time.Second, MaxWait: 3 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, cfg.backoff(1))
	assert.Equal(t, 2*time.Second, cfg.backoff(2))
	assert.Equal(t, 3*time.Second, cfg.backoff(3))
	assert.Equal(t, 3*time.Second, cfg.backoff(10))
}

func TestRetryableNil(t *testing.T) {
	require.NoError(t, Retryable(nil))
	assert.False(t, IsRetryable(errors.New("plain")))
}
