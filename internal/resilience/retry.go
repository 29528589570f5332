package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Strob0t/botleague/internal/domain"
)

// ErrContended is returned by a compare-and-swap step that lost a race.
// RetryContended retries it; every other error ends the loop.
var ErrContended = errors.New("compare-and-swap lost a race")

// RetryPolicy bounds a compare-and-swap retry loop.
type RetryPolicy struct {
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// RetryContended runs op until it succeeds, fails with an error other than
// ErrContended, or MaxAttempts is used up. Exhaustion is reported as
// domain.ErrRetryExhausted. onRetry, if set, is called before each backoff wait.
func RetryContended[T any](ctx context.Context, p RetryPolicy, op func(context.Context) (T, error), onRetry func(attempt uint, wait time.Duration)) (T, error) {
	b := backoff.NewExponentialBackOff()
	if p.InitialBackoff > 0 {
		b.InitialInterval = p.InitialBackoff
	}
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}

	var attempt uint
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err != nil && !errors.Is(err, ErrContended) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(max(p.MaxAttempts, 1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(_ error, wait time.Duration) {
			if onRetry != nil {
				onRetry(attempt, wait)
			}
		}),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	if errors.Is(err, ErrContended) {
		var zero T
		return zero, fmt.Errorf("%w: gave up after %d attempts", domain.ErrRetryExhausted, attempt)
	}
	return res, err
}
