package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type httpStatusErr struct{ status int }

func (e *httpStatusErr) Error() string   { return fmt.Sprintf("status %d", e.status) }
func (e *httpStatusErr) HTTPStatus() int { return e.status }

func TestDoSucceedsAfterFailures(t *testing.T) {
	calls := 0
	transient := &net.DNSError{Err: "lookup failed", IsTemporary: true}

	result, err := Do(context.Background(), func(ctx context.Context) (string, error) {
		calls++
		if calls <= 2 {
			return "", transient
		}
		return "ok", nil
	}, Options{MaxAttempts: 5, BaseDelay: time.Millisecond})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
}

func TestDoDelaySequenceIncreases(t *testing.T) {
	var stamps []time.Time
	boom := syscall.ECONNRESET

	_, err := Do(context.Background(), func(ctx context.Context) (int, error) {
		stamps = append(stamps, time.Now())
		return 0, boom
	}, Options{MaxAttempts: 4, BaseDelay: 20 * time.Millisecond})

	require.ErrorIs(t, err, boom)
	require.Len(t, stamps, 4)

	var gaps []time.Duration
	for i := 1; i < len(stamps); i++ {
		gaps = append(gaps, stamps[i].Sub(stamps[i-1]))
	}
	// Delays double: 20ms, 40ms, 80ms (within scheduling jitter).
	for i := 1; i < len(gaps); i++ {
		assert.Greater(t, gaps[i], gaps[i-1])
	}
}

func TestDoReturnsLastErrorUnchanged(t *testing.T) {
	boom := fmt.Errorf("wrapped: %w", syscall.ECONNREFUSED)

	_, err := Do(context.Background(), func(ctx context.Context) (int, error) {
		return 0, boom
	}, Options{MaxAttempts: 2, BaseDelay: time.Millisecond})

	assert.Equal(t, boom, err)
}

func TestDoNonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), func(ctx context.Context) (int, error) {
		calls++
		return 0, &httpStatusErr{status: 402}
	}, Options{MaxAttempts: 5, BaseDelay: time.Millisecond})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoOnRetryCallback(t *testing.T) {
	var attempts []int
	_, _ = Do(context.Background(), func(ctx context.Context) (int, error) {
		return 0, syscall.ECONNRESET
	}, Options{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		OnRetry:     func(attempt int, err error) { attempts = append(attempts, attempt) },
	})
	assert.Equal(t, []int{2, 3}, attempts)
}

func TestDoContextCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := Do(ctx, func(ctx context.Context) (int, error) {
		calls++
		return 0, syscall.ECONNRESET
	}, Options{MaxAttempts: 10, BaseDelay: time.Hour})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("op: %w", context.DeadlineExceeded), true},
		{"dns failure", &net.DNSError{Err: "no such host"}, true},
		{"connection refused", syscall.ECONNREFUSED, true},
		{"connection reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, true},
		{"server error", &httpStatusErr{status: 503}, true},
		{"bad request", &httpStatusErr{status: 400}, false},
		{"payment required", &httpStatusErr{status: 402}, false},
		{"not found", &httpStatusErr{status: 404}, false},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
