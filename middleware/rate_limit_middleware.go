package middleware

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"wcf-bridge/message"
	"wcf-bridge/protocol"
)

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
// Only the listed opcodes are throttled; an empty list throttles every call.
// Calls wait for a token instead of being rejected, bounded by ctx.
func RateLimitMiddleware(r float64, burst int, ops ...protocol.Opcode) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	limited := make(map[protocol.Opcode]bool, len(ops))
	for _, op := range ops {
		limited[op] = true
	}
	return func(next CallFunc) CallFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			if len(limited) == 0 || limited[req.Op] {
				if err := limiter.Wait(ctx); err != nil {
					return nil, fmt.Errorf("rate limit %s: %w", req.Op, err)
				}
			}
			return next(ctx, req)
		}
	}
}
