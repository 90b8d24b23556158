package worker

import (
	"context"
	"math"
	"time"
)

// RetryPolicy defines exponential backoff parameters.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// NextDelay returns delay for a given attempt (1-based) with clamping.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = time.Second
	}
	if r.BackoffFactor <= 0 {
		r.BackoffFactor = 2
	}

	d := time.Duration(float64(r.InitialDelay) * math.Pow(r.BackoffFactor, float64(attempt-1)))
	if r.MaxDelay > 0 && d > r.MaxDelay {
		d = r.MaxDelay
	}
	if d <= 0 {
		d = r.InitialDelay
	}
	return d
}

// Wait sleeps for the delay of attempt or until ctx is done.
func (r RetryPolicy) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(r.NextDelay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs op until it succeeds, returns a non-retryable error, or MaxRetries
// retries have been spent.
func (r RetryPolicy) Do(ctx context.Context, retryable func(error) bool, onRetry func(attempt int, err error), op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil || !retryable(err) || attempt >= r.MaxRetries {
			return err
		}
		if onRetry != nil {
			onRetry(attempt+1, err)
		}
		if waitErr := r.Wait(ctx, attempt+1); waitErr != nil {
			return err
		}
	}
}
