package middleware

import (
	"context"
	"time"

	"wcf-bridge/message"
	"wcf-bridge/metrics"
)

// MetricsMiddleware records the outcome and latency of every call.
func MetricsMiddleware(m *metrics.Metrics) Middleware {
	return func(next CallFunc) CallFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			result := "error"
			if err == nil {
				result = resp.Status.String()
			}
			m.RecordCall(req.Op.String(), result, time.Since(start))
			return resp, err
		}
	}
}
