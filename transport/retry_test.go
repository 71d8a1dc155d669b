package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Window: time.Second, Interval: time.Millisecond}, "op",
		func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("not yet")
			}
			return nil
		})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPermanentStopsImmediately(t *testing.T) {
	boom := errors.New("refused")
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Window: time.Second, Interval: time.Millisecond}, "op",
		func(context.Context) error {
			calls++
			return Permanent(boom)
		})
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, 1, calls)
}

func TestRetryWindowBoundsAttempts(t *testing.T) {
	boom := errors.New("unavailable")
	start := time.Now()
	err := Retry(context.Background(), RetryPolicy{Window: 100 * time.Millisecond, Interval: 20 * time.Millisecond}, "op",
		func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom, "last attempt error is kept")
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetryDisabled(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{}, "op", func(context.Context) error {
		calls++
		return errors.New("once")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
