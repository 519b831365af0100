// Package receiver drains inbound messages from a session and hands each one to a forwarder.
//
// Delivery is synchronous: the next message is only requested after the forwarder returned
// for the previous one. There is no internal queue, so a slow sink throttles draining and
// the module's own buffer absorbs the backlog.
package receiver

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"wcf-bridge/forwarder"
	"wcf-bridge/message"
	"wcf-bridge/metrics"
	"wcf-bridge/session"
)

const DefaultPollTimeout = time.Second

// ErrAlreadyRunning is returned when Run is called on a loop that is not stopped.
var ErrAlreadyRunning = errors.New("receiver: already running")

// State is the loop's lifecycle state.
type State int32

const (
	Stopped State = iota
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Source is the part of the session the loop drains.
type Source interface {
	IsReceiving() bool
	NextMessage(ctx context.Context, timeout time.Duration) (*message.WxMsg, error)
}

// Loop forwards messages in the order they are drained.
type Loop struct {
	Source      Source
	Forwarder   forwarder.Forwarder
	PollTimeout time.Duration
	Logger      *zap.Logger
	Metrics     *metrics.Metrics

	// OnDeliveryFailed, when set, is told about every message the forwarder could not deliver.
	OnDeliveryFailed func(msg *message.WxMsg, err error)

	state atomic.Int32
}

// State returns the current state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Run drains until receiving is disabled, ctx is done or the session fails. It returns nil
// on a normal stop and the session error when the connection broke.
func (l *Loop) Run(ctx context.Context) error {
	if !l.Source.IsReceiving() {
		return session.ErrNotReceiving
	}
	if !l.state.CompareAndSwap(int32(Stopped), int32(Running)) {
		return ErrAlreadyRunning
	}
	defer l.state.Store(int32(Stopped))

	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := l.PollTimeout
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	logger.Info("receive loop started", zap.Duration("poll_timeout", timeout))

	for {
		if ctx.Err() != nil || !l.Source.IsReceiving() {
			l.state.Store(int32(Stopping))
			logger.Info("receive loop stopping")
			return nil
		}

		msg, err := l.Source.NextMessage(ctx, timeout)
		if err != nil {
			l.state.Store(int32(Stopping))
			if ctx.Err() != nil || errors.Is(err, session.ErrNotReceiving) || errors.Is(err, session.ErrSessionClosed) {
				logger.Info("receive loop stopping", zap.Error(err))
				return nil
			}
			logger.Error("receive failed", zap.Error(err))
			return err
		}
		if msg == nil {
			continue
		}

		l.Metrics.RecordMessage()
		l.deliver(ctx, logger, msg)
	}
}

func (l *Loop) deliver(ctx context.Context, logger *zap.Logger, msg *message.WxMsg) {
	start := time.Now()
	err := l.Forwarder.Forward(ctx, msg)
	l.Metrics.RecordDelivery(err == nil, time.Since(start))
	if err == nil {
		logger.Debug("message forwarded", zap.Uint64("id", msg.ID), zap.Uint32("type", msg.Type))
		return
	}
	logger.Warn("message dropped", zap.Uint64("id", msg.ID), zap.String("sender", msg.Sender), zap.Error(err))
	if l.OnDeliveryFailed != nil {
		l.OnDeliveryFailed(msg, err)
	}
}
