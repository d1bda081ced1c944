package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyDo_Success(t *testing.T) {
	var seen []int
	err := Policy{Attempts: 3, Base: time.Millisecond}.Do(context.Background(), func(attempt int) error {
		seen = append(seen, attempt)
		if attempt < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestPolicyDo_ExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := Policy{Attempts: 3, Base: time.Millisecond}.Do(context.Background(), func(int) error {
		attempts++
		return errors.New("always fails")
	})

	require.EqualError(t, err, "always fails")
	assert.Equal(t, 3, attempts)
}

func TestPolicyDo_RejectsZeroAttempts(t *testing.T) {
	called := false
	err := Policy{}.Do(context.Background(), func(int) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, ErrNoAttempts)
	assert.False(t, called)
}

func TestPolicyDo_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	attempts := 0
	err := Policy{Attempts: 10}.Do(ctx, func(int) error {
		attempts++
		return errors.New("fail")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, attempts, 10)
}

func TestPolicyDo_OnRetryReportsDoublingDelays(t *testing.T) {
	var waits []time.Duration
	p := Policy{
		Attempts: 4,
		Base:     time.Millisecond,
		Max:      3 * time.Millisecond,
		OnRetry: func(_ int, _ error, wait time.Duration) {
			waits = append(waits, wait)
		},
	}

	_ = p.Do(context.Background(), func(int) error { return errors.New("fail") })

	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond}, waits)
}

func TestResult_Success(t *testing.T) {
	result, err := Result(context.Background(), Policy{Attempts: 3, Base: time.Millisecond}, func(attempt int) (string, error) {
		if attempt < 2 {
			return "", errors.New("not yet")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestRetryResult_ExhaustsAttempts(t *testing.T) {
	result, err := RetryResult(context.Background(), 2, func() (int, error) {
		return -1, errors.New("always fails")
	})

	require.EqualError(t, err, "always fails")
	assert.Equal(t, -1, result)
}

func TestRetry_StopsWaitingWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	start := time.Now()
	err := Retry(ctx, 5, func() error {
		attempts++
		cancel()
		return errors.New("fails")
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
	assert.Less(t, time.Since(start), DefaultBase)
}
