// Package middleware wraps the direct-path exchange (one HTTP request/response) with
// cross-cutting behavior. Middlewares never turn a response into a Go error: the dispatcher
// branches on the returned status alone.
package middleware

import (
	"context"

	"mini-call/message"
)

type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one is outermost:
// Chain(A, B)(h) runs A.before → B.before → h → B.after → A.after.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
