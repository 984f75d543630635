package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glimte/rjr-go/contracts"
	"github.com/glimte/rjr-go/node"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errClosed = fmt.Errorf("%w: %w", node.ErrConnectionClosed, errors.New("NO_ROUTE"))

func TestExponentialBackoff(t *testing.T) {
	t.Run("NextDelay grows and caps", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 5)
		eb.Jitter = false

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{0, 100 * time.Millisecond},
			{1, 200 * time.Millisecond},
			{2, 400 * time.Millisecond},
			{3, 800 * time.Millisecond},
			{4, time.Second},
		}
		for _, tt := range tests {
			assert.Equal(t, tt.expected, eb.NextDelay(tt.attempt), "attempt %d", tt.attempt)
		}
	})

	t.Run("jitter stays within fifteen percent", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 5)
		for i := 0; i < 50; i++ {
			d := eb.NextDelay(0)
			assert.GreaterOrEqual(t, d, 85*time.Millisecond)
			assert.LessOrEqual(t, d, 115*time.Millisecond)
		}
	})

	t.Run("ShouldRetry respects max retries", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Millisecond, time.Millisecond, 1, 2)

		retry, _ := eb.ShouldRetry(1, errClosed)
		assert.True(t, retry)
		retry, delay := eb.ShouldRetry(2, errClosed)
		assert.False(t, retry)
		assert.Zero(t, delay)
	})
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection closed", errClosed, true},
		{"wrapped connection closed", fmt.Errorf("invoke hello on server-queue: %w", errClosed), true},
		{"remote error", &contracts.RemoteError{Code: -32000, Message: "bad args"}, false},
		{"method not found", contracts.ErrMethodNotFound, false},
		{"deadline", context.DeadlineExceeded, false},
		{"node closed", node.ErrNodeClosed, false},
		{"lost after delivery", fmt.Errorf("invoke hello on server-queue: %w: %w", node.ErrRequestDelivered, errClosed), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestRetry(t *testing.T) {
	policy := NewExponentialBackoff(time.Millisecond, 5*time.Millisecond, 2, 3)

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), policy, func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errClosed
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("remote errors are not retried", func(t *testing.T) {
		calls := 0
		remote := &contracts.RemoteError{Code: -32000, Message: "bad args"}
		err := Retry(context.Background(), policy, func(ctx context.Context) error {
			calls++
			return remote
		})
		assert.Same(t, remote, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("exhausted attempts return a RetryError", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), policy, func(ctx context.Context) error {
			calls++
			return errClosed
		})

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, 4, retryErr.Attempts)
		assert.Equal(t, 4, calls)
		assert.ErrorIs(t, err, node.ErrConnectionClosed)
	})

	t.Run("context cancellation stops retrying", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		slow := NewExponentialBackoff(time.Hour, time.Hour, 1, 3)
		slow.Jitter = false

		done := make(chan error, 1)
		go func() {
			done <- Retry(ctx, slow, func(ctx context.Context) error { return errClosed })
		}()
		cancel()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Fatal("Retry did not return after cancel")
		}
	})
}
