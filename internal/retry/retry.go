package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultBase is the first delay used by Retry and RetryResult.
const DefaultBase = 100 * time.Millisecond

var ErrNoAttempts = errors.New("retry policy must allow at least one attempt")

// Policy bounds a retried operation: at most Attempts calls, separated by a
// delay that starts at Base and doubles after each failure, capped at Max
// when Max is set.
type Policy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration

	// OnRetry, when set, is called before sleeping between two attempts.
	OnRetry func(attempt int, err error, wait time.Duration)
}

func (p Policy) delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}
	d := base * time.Duration(1<<attempt)
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Do calls fn until it succeeds, the attempts are exhausted or ctx is done.
// The attempt number passed to fn starts at 1. Returns the last error of fn,
// or ctx.Err() when cancelled while waiting.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	_, err := Result(ctx, p, func(attempt int) (struct{}, error) {
		return struct{}{}, fn(attempt)
	})
	return err
}

// Result is like Policy.Do but for functions that return a value.
func Result[T any](ctx context.Context, p Policy, fn func(attempt int) (T, error)) (T, error) {
	var result T
	if p.Attempts <= 0 {
		return result, fmt.Errorf("%w: got %d", ErrNoAttempts, p.Attempts)
	}

	var err error
	for i := 0; i < p.Attempts; i++ {
		if result, err = fn(i + 1); err == nil {
			return result, nil
		}
		if i == p.Attempts-1 {
			break
		}

		wait := p.delay(i)
		if p.OnRetry != nil {
			p.OnRetry(i+1, err, wait)
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return result, ctx.Err()
		}
	}
	return result, err
}

// Retry calls fn up to maxAttempts times with the default exponential backoff
// (100ms, 200ms, 400ms, ...). Waiting stops early when ctx is done.
func Retry(ctx context.Context, maxAttempts int, fn func() error) error {
	return Policy{Attempts: maxAttempts}.Do(ctx, func(int) error {
		return fn()
	})
}

// RetryResult is like Retry but for functions that return a value.
func RetryResult[T any](ctx context.Context, maxAttempts int, fn func() (T, error)) (T, error) {
	return Result(ctx, Policy{Attempts: maxAttempts}, func(int) (T, error) {
		return fn()
	})
}
