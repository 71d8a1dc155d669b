package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// RetryPolicy bounds how long service resolution is retried when
// connecting. Only Connect is retried; established links never are.
type RetryPolicy struct {
	// Window is the overall ceiling. Zero disables retrying.
	Window time.Duration

	// Interval is the constant delay between attempts.
	Interval time.Duration
}

// DefaultRetryPolicy retries for up to three seconds.
var DefaultRetryPolicy = RetryPolicy{
	Window:   3 * time.Second,
	Interval: 250 * time.Millisecond,
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Retry runs op until it succeeds, returns a Permanent error, or the
// policy window elapses. The last attempt's error is returned wrapped in
// ErrTransport.
func Retry(ctx context.Context, policy RetryPolicy, what string, op func(ctx context.Context) error) error {
	if policy.Window <= 0 {
		if err := op(ctx); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrTransport, what, unwrapPermanent(err))
		}
		return nil
	}

	interval := policy.Interval
	if interval <= 0 {
		interval = DefaultRetryPolicy.Interval
	}

	ctx, cancel := context.WithTimeout(ctx, policy.Window)
	defer cancel()

	attempts := 0
	var lastErr error
	err := backoff.Retry(func() error {
		attempts++
		lastErr = op(ctx)
		if lastErr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Retry",
				"what":     what,
				"attempt":  attempts,
				"error":    lastErr.Error(),
			}).Debug("Attempt failed")
		}
		return lastErr
	}, backoff.WithContext(backoff.NewConstantBackOff(interval), ctx))
	if err == nil {
		return nil
	}
	if lastErr == nil {
		lastErr = err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Retry",
		"what":     what,
		"attempts": attempts,
		"error":    lastErr.Error(),
	}).Warn("Giving up")
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrTransport, what, attempts, unwrapPermanent(lastErr))
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
