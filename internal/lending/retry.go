package lending

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/punchamoorthee/lendingops/internal/domain"
)

const (
	defaultMaxAttempts  = 3
	defaultBaseDelay    = 10 * time.Millisecond
	defaultJitterFactor = 0.3
)

var (
	// ErrInvalidMaxAttempts is returned when max attempts are not positive.
	ErrInvalidMaxAttempts = errors.New("max attempts must be positive")

	// ErrNegativeBaseDelay is returned when the base delay is negative.
	ErrNegativeBaseDelay = errors.New("base delay must not be negative")

	// ErrInvalidJitterFactor is returned when the jitter factor is not between 0.0 and 1.0.
	ErrInvalidJitterFactor = errors.New("jitter factor must be between 0.0 and 1.0")
)

type retryPolicy struct {
	maxAttempts  int
	baseDelay    time.Duration
	jitterFactor float64
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{
		maxAttempts:  defaultMaxAttempts,
		baseDelay:    defaultBaseDelay,
		jitterFactor: defaultJitterFactor,
	}
}

// RetryOption configures conflict retries of the Coordinator.
type RetryOption func(*retryPolicy) error

// WithMaxAttempts sets how many times a conflicting operation runs in total.
func WithMaxAttempts(attempts int) RetryOption {
	return func(p *retryPolicy) error {
		if attempts <= 0 {
			return ErrInvalidMaxAttempts
		}
		p.maxAttempts = attempts
		return nil
	}
}

// WithBaseDelay sets the first backoff delay. Later delays double: base, base*2, base*4, ...
func WithBaseDelay(delay time.Duration) RetryOption {
	return func(p *retryPolicy) error {
		if delay < 0 {
			return ErrNegativeBaseDelay
		}
		p.baseDelay = delay
		return nil
	}
}

// WithJitterFactor sets the random share added on top of each delay, from 0.0 to 1.0.
func WithJitterFactor(factor float64) RetryOption {
	return func(p *retryPolicy) error {
		if factor < 0.0 || factor > 1.0 {
			return ErrInvalidJitterFactor
		}
		p.jitterFactor = factor
		return nil
	}
}

// retryOutcome describes how a retried call went.
type retryOutcome struct {
	Attempts   int
	TotalDelay time.Duration
}

// retryOnConflict runs fn until it succeeds, fails with a non-conflict error, or runs out of
// attempts. Only domain.ErrConcurrencyConflict is retried.
func (p retryPolicy) retryOnConflict(ctx context.Context, fn func(ctx context.Context) error, onRetry func(attempt int, err error)) (retryOutcome, error) {
	var (
		out     retryOutcome
		lastErr error
	)

	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := p.backoff(attempt)
			select {
			case <-time.After(delay):
				out.TotalDelay += delay
			case <-ctx.Done():
				return out, ctx.Err()
			}
		}

		out.Attempts++
		lastErr = fn(ctx)
		if lastErr == nil {
			return out, nil
		}
		if !errors.Is(lastErr, domain.ErrConcurrencyConflict) {
			return out, lastErr
		}
		if onRetry != nil && attempt < p.maxAttempts-1 {
			onRetry(attempt+1, lastErr)
		}
	}

	return out, lastErr
}

func (p retryPolicy) backoff(attempt int) time.Duration {
	delay := p.baseDelay * time.Duration(1<<(attempt-1))
	jitter := rand.Float64() * float64(delay) * p.jitterFactor //nolint:gosec // jitter does not need crypto randomness
	return delay + time.Duration(jitter)
}
