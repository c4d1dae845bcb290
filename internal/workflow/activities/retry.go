package activities

import (
	"context"
	"time"

	appErr "github.com/idp-studio/engine/pkg/errors"
	"github.com/idp-studio/engine/pkg/logger"
	"go.uber.org/zap"
)

// RetryPolicy bounds the in-activity retry loop. Retries apply only to
// failures whose classification is retryable; terminal classifications
// surface immediately.
type RetryPolicy struct {
	BaseInterval time.Duration
	Factor       float64
	MaxInterval  time.Duration
	MaxAttempts  int
}

// DefaultRetryPolicy matches the reference tuning: 2s base, doubling,
// capped interval, capped attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseInterval: 2 * time.Second,
		Factor:       2,
		MaxInterval:  30 * time.Second,
		MaxAttempts:  5,
	}
}

func (p RetryPolicy) interval(attempt int) time.Duration {
	d := p.BaseInterval
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Factor)
		if d >= p.MaxInterval {
			return p.MaxInterval
		}
	}
	if d > p.MaxInterval {
		return p.MaxInterval
	}
	return d
}

// Do runs fn with a per-attempt deadline, retrying retryable failures with
// exponential backoff until the attempt budget is spent.
func (p RetryPolicy) Do(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 1; ; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		err = fn(attemptCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return nil
		}
		if !appErr.Retryable(err) || attempt >= attempts {
			return err
		}
		logger.L().Warn("activity attempt failed, retrying",
			zap.String("activity", name),
			zap.Int("attempt", attempt),
			zap.String("code", string(appErr.CodeOf(err))),
			zap.Error(err),
		)
		if werr := sleepContext(ctx, p.interval(attempt)); werr != nil {
			return appErr.Wrap(err, appErr.CodeDeadline, "activity retry interrupted")
		}
	}
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
