package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/rjr-go/contracts"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned to callers when the rate limiter rejects a request
var ErrRateLimited = &contracts.RemoteError{
	Code:    contracts.CodeServerError,
	Message: "rate limit exceeded",
	Class:   "RateLimited",
}

// LoggingMiddleware logs every dispatched request with its duration
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *contracts.Request) (interface{}, error) {
			start := time.Now()
			result, err := next(ctx, req)

			attrs := []any{
				"method", req.Method,
				"id", req.ID,
				"duration", time.Since(start),
			}
			if err != nil {
				logger.Warn("request failed", append(attrs, "error", err)...)
			} else {
				logger.Debug("request handled", attrs...)
			}
			return result, err
		}
	}
}

// RateLimitMiddleware rejects requests above r per second, allowing bursts
// of up to burst requests
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *contracts.Request) (interface{}, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, req)
		}
	}
}

type headersKey struct{}

// WithHeaders attaches message headers to ctx
func WithHeaders(ctx context.Context, headers map[string]interface{}) context.Context {
	return context.WithValue(ctx, headersKey{}, headers)
}

// HeadersFrom returns the message headers attached to ctx, if any
func HeadersFrom(ctx context.Context) map[string]interface{} {
	headers, _ := ctx.Value(headersKey{}).(map[string]interface{})
	return headers
}
