package reliability

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/glimte/rjr-go/contracts"
	"github.com/glimte/rjr-go/node"
)

// RetryPolicy decides whether a failed attempt is tried again and after
// how long. attempt counts from zero.
type RetryPolicy interface {
	ShouldRetry(attempt int, err error) (bool, time.Duration)
}

// ExponentialBackoff retries transient errors with a delay that grows by
// Multiplier each attempt, capped at MaxInterval
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
	Retryable       func(error) bool
}

// NewExponentialBackoff creates a policy retrying transient RPC failures
// up to maxRetries times
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxRetries,
		Jitter:          true,
		Retryable:       IsTransient,
	}
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= e.MaxAttempts {
		return false, 0
	}
	retryable := e.Retryable
	if retryable == nil {
		retryable = IsTransient
	}
	if !retryable(err) {
		return false, 0
	}
	return true, e.NextDelay(attempt)
}

// NextDelay returns the delay before retry number attempt
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))
	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	// ±15%
	if e.Jitter {
		delay += (rand.Float64()*0.3 - 0.15) * delay
	}
	return time.Duration(delay)
}

// IsTransient reports whether err is a broker-side failure that a later
// attempt may not hit: a lost or refused connection, or an unroutable
// message. Errors raised by the remote method are never transient, and
// neither is a failure after the request reached the broker, since the
// method may already have run.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var remoteErr *contracts.RemoteError
	if errors.As(err, &remoteErr) {
		return false
	}
	if errors.Is(err, node.ErrRequestDelivered) {
		return false
	}
	return errors.Is(err, node.ErrConnectionClosed)
}

// RetryError is returned when every attempt failed
type RetryError struct {
	Attempts int
	Err      error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// Retry runs fn until it succeeds, the policy gives up or ctx ends. A first
// attempt the policy does not retry returns its error as is; once fn has
// been retried the last error comes back wrapped in a RetryError.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		retry, delay := policy.ShouldRetry(attempt, err)
		if !retry {
			if attempt > 0 {
				return &RetryError{Attempts: attempt + 1, Err: err}
			}
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
