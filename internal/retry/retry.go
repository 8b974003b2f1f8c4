// Package retry drives an operation through a bounded number of attempts
// with a fixed delay between them. Failures are split into retryable and
// fatal: a fatal failure short-circuits the remaining attempt budget.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Failure is a classified operation failure. It is returned, not thrown and
// inspected: callers mark an error non-retryable at the point where the
// classification is known.
type Failure struct {
	Retryable bool
	Message   string
}

func (f *Failure) Error() string {
	return f.Message
}

// Retryable builds a failure that may succeed if repeated unchanged after a
// delay.
func Retryable(format string, args ...interface{}) *Failure {
	return &Failure{Retryable: true, Message: fmt.Sprintf(format, args...)}
}

// Fatal builds a failure for which repeating is pointless or unsafe.
func Fatal(format string, args ...interface{}) *Failure {
	return &Failure{Retryable: false, Message: fmt.Sprintf(format, args...)}
}

// IsRetryable reports whether err allows another attempt. Errors that carry
// no classification are treated as transient (transport failures and the
// like), matching how the fulfillment backend is polled.
func IsRetryable(err error) bool {
	var f *Failure
	if errors.As(err, &f) {
		return f.Retryable
	}
	return true
}

// Do invokes op up to attempts times, waiting delay between attempts. A
// non-retryable failure propagates immediately; otherwise the last error is
// returned once the budget is exhausted.
func Do[T any](ctx context.Context, attempts int, delay time.Duration, op func(context.Context) (T, error)) (T, error) {
	if attempts < 1 {
		attempts = 1
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(attempts-1)),
		ctx,
	)

	return backoff.RetryWithData(func() (T, error) {
		v, err := op(ctx)
		if err != nil && !IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, bo)
}
