package upstream

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/sethvargo/go-retry"

	"modgate/internal/core"
)

const (
	backoffFactor = 1.5
	backoffCap    = 10 * time.Second
)

// RetryPolicy bounds the retry loop around primary-provider calls. An
// attempt is retried only while the elapsed time plus the base delay stays
// under MaxRetryTime and fewer than MaxRetryCount attempts have run. The
// zero value disables retries entirely.
type RetryPolicy struct {
	Enabled       bool
	MaxRetryTime  time.Duration
	RetryDelay    time.Duration
	MaxRetryCount int
}

// backoff returns the retry schedule: sleep min(RetryDelay × 1.5^(n−1),
// 10 s) before the n-th retry, stopping once another attempt would exceed
// the attempt cap or the time budget. The schedule is single-use and not
// safe for concurrent calls; build one per request.
func (p RetryPolicy) backoff(now func() time.Time) retry.Backoff {
	start := now()
	n := 0
	return retry.BackoffFunc(func() (time.Duration, bool) {
		n++
		// n retries after the first attempt means n+1 attempts total;
		// MaxRetryCount caps total attempts.
		if n >= p.MaxRetryCount {
			return 0, true
		}
		if now().Sub(start)+p.RetryDelay >= p.MaxRetryTime {
			return 0, true
		}
		d := time.Duration(float64(p.RetryDelay) * math.Pow(backoffFactor, float64(n-1)))
		if d > backoffCap {
			d = backoffCap
		}
		return d, false
	})
}

// withRetry runs attempt under the policy, returning the last error
// unwrapped so the caller sees the provider's real failure rather than a
// synthetic retry error. Non-retryable errors and client cancellation end
// the loop immediately.
func withRetry[T any](ctx context.Context, p RetryPolicy, now func() time.Time, attempt func(context.Context) (T, error)) (T, error) {
	if !p.Enabled {
		return attempt(ctx)
	}

	var result T
	err := retry.Do(ctx, p.backoff(now), func(ctx context.Context) error {
		r, err := attempt(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			var ge *core.GatewayError
			if errors.As(err, &ge) && !ge.Retryable() {
				return err
			}
			return retry.RetryableError(err)
		}
		result = r
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
