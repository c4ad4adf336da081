package piproxy

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryPolicy bounds how often and how patiently an upstream call is retried.
type RetryPolicy struct {
	MaxAttempts int
	// Backoff returns the delay after the given failed attempt (1-based).
	Backoff func(attempt int) time.Duration
}

// LinearRetryPolicy waits attempt*step after each failed attempt: with the
// default step that is 1s after the first failure, 2s after the second.
func LinearRetryPolicy(maxAttempts int, step time.Duration) RetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(attempt) * step
		},
	}
}

// ExhaustedError reports that every attempt failed. Only the last failure is kept.
type ExhaustedError struct {
	Endpoint EndpointName
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: all %d attempts failed: %v", e.Endpoint, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// RetryingFetcher wraps a single-attempt Fetcher with a fresh retry budget per
// call. Concurrent calls for the same endpoint retry independently.
type RetryingFetcher struct {
	next   Fetcher
	policy RetryPolicy
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger
}

func NewRetryingFetcher(next Fetcher, policy RetryPolicy, logger *slog.Logger) *RetryingFetcher {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &RetryingFetcher{
		next:   next,
		policy: policy,
		sleep:  sleepContext,
		logger: logger.With("component", "fetcher"),
	}
}

// Fetch satisfies Fetcher so a RetryingFetcher can stand in wherever a
// single-attempt fetcher is accepted.
func (f *RetryingFetcher) Fetch(ctx context.Context, endpoint EndpointName) ([]byte, error) {
	return f.FetchWithRetry(ctx, endpoint)
}

func (f *RetryingFetcher) FetchWithRetry(ctx context.Context, endpoint EndpointName) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= f.policy.MaxAttempts; attempt++ {
		body, err := f.next.Fetch(ctx, endpoint)
		if err == nil {
			if attempt > 1 {
				f.logger.InfoContext(ctx, "upstream recovered", "endpoint", endpoint, "attempt", attempt)
			}
			return body, nil
		}
		lastErr = err
		f.logger.WarnContext(ctx, "upstream attempt failed",
			"endpoint", endpoint,
			"attempt", attempt,
			"max_attempts", f.policy.MaxAttempts,
			"error", err.Error(),
		)

		if attempt < f.policy.MaxAttempts && f.policy.Backoff != nil {
			if err := f.sleep(ctx, f.policy.Backoff(attempt)); err != nil {
				return nil, &ExhaustedError{Endpoint: endpoint, Attempts: attempt, Err: lastErr}
			}
		}
	}
	return nil, &ExhaustedError{Endpoint: endpoint, Attempts: f.policy.MaxAttempts, Err: lastErr}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
