// Package retry wraps an operation with bounded exponential-backoff retry.
// Only transport-level faults are retried; protocol-level responses such as
// a 402 challenge are handled by the payment flow, never by blind resend.
package retry

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"
)

// Options controls the retry loop.
type Options struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Defaults to 3.
	MaxAttempts int
	// BaseDelay is the delay before the second attempt; attempt n waits
	// BaseDelay * 2^(n-1). Uncapped: callers bound MaxAttempts instead of
	// the delay ceiling. Defaults to 500ms.
	BaseDelay time.Duration
	// ShouldRetry classifies whether a failure is worth another attempt.
	// Defaults to IsRetryable.
	ShouldRetry func(error) bool
	// OnRetry is invoked before each re-attempt with the upcoming attempt
	// number (2-based) and the error that caused it.
	OnRetry func(attempt int, err error)
}

func (o *Options) withDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.ShouldRetry == nil {
		o.ShouldRetry = IsRetryable
	}
}

// Do runs op with exponential backoff. On exhaustion the last error is
// returned unchanged. Context cancellation aborts the backoff wait.
func Do[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts Options) (T, error) {
	opts.withDefaults()

	var zero T
	var lastErr error

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := opts.BaseDelay << (attempt - 2)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
			if opts.OnRetry != nil {
				opts.OnRetry(attempt, lastErr)
			}
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !opts.ShouldRetry(err) {
			return zero, err
		}
	}

	return zero, lastErr
}

// statusCoder is implemented by errors that carry an HTTP status, such as the
// gateway client's HTTPError.
type statusCoder interface {
	HTTPStatus() int
}

// IsRetryable is the default failure classifier: timeouts, connection
// resets/refusals, DNS failures, and 5xx responses are retryable; anything
// carrying a 4xx status (402 included) is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus() >= 500
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	return false
}
