package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"wcf-bridge/message"
	"wcf-bridge/protocol"
)

// LoggingMiddleware logs every call at debug level and failures at warn.
// GET_MSG and KEEPALIVE run continuously, so their successful calls are not logged.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next CallFunc) CallFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			duration := time.Since(start)
			if err != nil {
				logger.Warn("rpc call failed",
					zap.Stringer("op", req.Op),
					zap.Duration("duration", duration),
					zap.Error(err))
				return resp, err
			}
			if req.Op != protocol.OpGetMsg && req.Op != protocol.OpKeepAlive {
				logger.Debug("rpc call",
					zap.Stringer("op", req.Op),
					zap.Stringer("status", resp.Status),
					zap.Int("bytes", len(resp.Payload)),
					zap.Duration("duration", duration))
			}
			return resp, nil
		}
	}
}
