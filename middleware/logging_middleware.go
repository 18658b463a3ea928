package middleware

import (
	"context"
	"time"

	"mini-call/message"

	"go.uber.org/zap"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)

			fields := []zap.Field{
				zap.String("route", req.Route),
				zap.Int("call_index", req.Payload.CallIndex),
				zap.Int("status", resp.Status),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.OK() {
				logger.Debug("direct call finished", fields...)
			} else {
				logger.Warn("direct call failed", append(fields, zap.String("error", resp.ErrorMessage()))...)
			}
			return resp
		}
	}
}
