package engine

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/readystack/readystackgo/internal/clock"
	"github.com/readystack/readystackgo/internal/errdefs"
)

const (
	retryAttempts = 3
	retryBase     = 500 * time.Millisecond
	retryCap      = 8 * time.Second
)

// withRetry runs fn up to retryAttempts times with exponential backoff and
// jitter. Context cancellation and non-transient failures stop immediately.
func withRetry(ctx context.Context, clk clock.Clock, fn func() error) error {
	var err error
	delay := retryBase
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || attempt == retryAttempts || !isTransient(err) {
			return err
		}
		sleep := time.Duration(float64(delay) * (0.5 + rand.Float64()))
		if sleep > retryCap {
			sleep = retryCap
		}
		select {
		case <-clk.After(sleep):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > retryCap {
			delay = retryCap
		}
	}
}

// isTransient reports whether an error is worth retrying. Cancellation and
// caller mistakes are not; daemon hiccups are.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch errdefs.KindOf(err) {
	case errdefs.KindValidation, errdefs.KindPlanInvalid, errdefs.KindPathNotPermitted,
		errdefs.KindInvalidState, errdefs.KindOperationInProgress, errdefs.KindNotFound,
		errdefs.KindNoSnapshot:
		return false
	}
	return true
}
