package protocol

import (
	"context"
	"time"
)

type exchangeTimeoutKey struct{}

// WithExchangeTimeout bounds the write-and-read of one request without bounding the wait
// for the connection. A call queued behind a long GET_MSG poll keeps its full budget once
// its turn comes.
func WithExchangeTimeout(ctx context.Context, d time.Duration) context.Context {
	if d <= 0 {
		return ctx
	}
	return context.WithValue(ctx, exchangeTimeoutKey{}, d)
}

// ExchangeTimeout returns the timeout set by WithExchangeTimeout.
func ExchangeTimeout(ctx context.Context) (time.Duration, bool) {
	d, ok := ctx.Value(exchangeTimeoutKey{}).(time.Duration)
	return d, ok
}
