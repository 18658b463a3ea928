package middleware

import (
	"context"
	"net/http"

	"mini-call/message"

	"golang.org/x/time/rate"
)

const rateLimitedMessage = "rate limit exceeded"

// RateLimitMiddleware throttles outgoing direct calls with a token bucket. A call over the limit
// is not sent; it gets a synthetic 429 so the dispatcher reports it like any backend refusal.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return &message.Response{
					Body:   &message.CallResponse{Error: rateLimitedMessage},
					Status: http.StatusTooManyRequests,
				}
			}
			return next(ctx, req)
		}
	}
}
