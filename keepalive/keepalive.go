// Package keepalive periodically proves that the module connection is alive.
package keepalive

import (
	"context"
	"time"

	"go.uber.org/zap"

	"wcf-bridge/metrics"
	"wcf-bridge/protocol"
)

const DefaultInterval = 30 * time.Second

// Pinger is the part of the session the loop exercises.
type Pinger interface {
	KeepAlive(ctx context.Context) error
}

// Loop issues KEEPALIVE at a fixed interval. It has no reconnect policy: the first failure
// ends Run and is returned to whoever supervises the loop.
type Loop struct {
	Pinger   Pinger
	Interval time.Duration
	Timeout  time.Duration // per ping exchange, not counting the wait behind a poll; zero leaves it to the transport
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Run pings until ctx is done (returns nil) or a ping fails (returns the error).
func (l *Loop) Run(ctx context.Context) error {
	interval := l.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if err := l.ping(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.Metrics.RecordKeepAliveFailure()
			logger.Warn("keepalive failed", zap.Error(err))
			return err
		}
		logger.Debug("keepalive ok")
	}
}

// ping bounds only the exchange. The receive loop may hold the connection for a whole
// poll, and that wait says nothing about the connection's health.
func (l *Loop) ping(ctx context.Context) error {
	return l.Pinger.KeepAlive(protocol.WithExchangeTimeout(ctx, l.Timeout))
}
