package middleware

import (
	"context"

	"mini-call/message"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var directCalls = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "minicall",
		Subsystem: "direct",
		Name:      "calls_total",
		Help:      "Direct calls by route and outcome.",
	},
	[]string{"route", "outcome"},
)

// MetricsMiddleware counts direct calls by outcome ("ok" or "failed").
func MetricsMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			resp := next(ctx, req)
			outcome := "ok"
			if !resp.OK() {
				outcome = "failed"
			}
			directCalls.WithLabelValues(req.Route, outcome).Inc()
			return resp
		}
	}
}
