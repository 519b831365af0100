// Package middleware wraps RPC calls in an onion of interceptors.
//
// The same CallFunc shape is used on both sides of the wire: the session wraps the raw
// transport call, and the endpoint emulator wraps its opcode handlers.
package middleware

import (
	"context"

	"wcf-bridge/message"
)

type CallFunc func(ctx context.Context, req *message.Request) (*message.Response, error)

type Middleware func(next CallFunc) CallFunc

// Chain 将多个中间件组合成一个中间件
// Chain(A, B)(h) runs A.before → B.before → h → B.after → A.after.
func Chain(middlewares ...Middleware) Middleware {
	return func(next CallFunc) CallFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
