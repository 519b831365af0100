package middleware

import (
	"context"
	"time"

	"wcf-bridge/message"
	"wcf-bridge/protocol"
)

// TimeOutMiddleware gives calls without a deadline an exchange timeout of the given length.
// The timeout starts once the call owns the connection, so waiting behind another call does
// not use it up. Callers that already set a deadline (GET_MSG polls) or an exchange timeout
// keep theirs.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next CallFunc) CallFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			if timeout <= 0 {
				return next(ctx, req)
			}
			if _, ok := ctx.Deadline(); ok {
				return next(ctx, req)
			}
			if _, ok := protocol.ExchangeTimeout(ctx); ok {
				return next(ctx, req)
			}
			return next(protocol.WithExchangeTimeout(ctx, timeout), req)
		}
	}
}
