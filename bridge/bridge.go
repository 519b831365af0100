// Package bridge owns the lifecycle of one bridge instance: the session to the injected
// module, the receive and keepalive loops that share it, and reconnection after the
// connection is lost.
//
//	Start ─► connect ─► enable receive ─► go receive loop ─┐
//	                                     go keepalive loop ─┼─► first failure ─► OnConnectionLost
//	                                                        │                     └─► reconnect (backoff)
//	Stop  ─► disable receive ─► stop+join loops ─► close session
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"wcf-bridge/codec"
	"wcf-bridge/config"
	"wcf-bridge/forwarder"
	"wcf-bridge/keepalive"
	"wcf-bridge/message"
	"wcf-bridge/metrics"
	"wcf-bridge/middleware"
	"wcf-bridge/protocol"
	"wcf-bridge/receiver"
	"wcf-bridge/registry"
	"wcf-bridge/session"
	"wcf-bridge/task"
)

// ServiceName is the registry service bridges advertise themselves under.
const ServiceName = "wcf-bridge"

var (
	ErrStopped        = errors.New("bridge: stopped")
	ErrAlreadyStarted = errors.New("bridge: already started")
	ErrNotStarted     = errors.New("bridge: not started")
)

// TargetSetter is implemented by forwarders whose sinks can be swapped at runtime.
type TargetSetter interface {
	SetTargets([]registry.ServiceInstance)
}

// Option configures a Bridge.
type Option func(*Bridge)

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithRegistry enables advertisement and sink discovery.
func WithRegistry(reg registry.Registry) Option {
	return func(b *Bridge) { b.reg = reg }
}

// WithSessionOptions passes extra options to every session the bridge creates.
func WithSessionOptions(opts ...session.Option) Option {
	return func(b *Bridge) { b.sessionOpts = append(b.sessionOpts, opts...) }
}

// WithConnectionLost sets the hook told about each lost connection, once per session.
func WithConnectionLost(fn func(err error)) Option {
	return func(b *Bridge) { b.onLost = fn }
}

// WithDeliveryFailed sets the hook told about every message the forwarder dropped.
func WithDeliveryFailed(fn func(msg *message.WxMsg, err error)) Option {
	return func(b *Bridge) { b.onDeliveryFailed = fn }
}

// generation is one connected session and the loops running on it.
type generation struct {
	sess     *session.Session
	loop     *receiver.Loop
	recv     *task.Handle
	keep     *task.Handle
	lostOnce sync.Once
}

type Bridge struct {
	cfg              config.Config
	logger           *zap.Logger
	fwd              forwarder.Forwarder
	metrics          *metrics.Metrics
	reg              registry.Registry
	sessionOpts      []session.Option
	onLost           func(err error)
	onDeliveryFailed func(msg *message.WxMsg, err error)

	mu      sync.Mutex // serialises Start, Stop, reconnect and receive toggling
	gen     *generation
	started bool
	stopped bool
	receive bool // last requested receive state, restored on every new generation
	sess    atomic.Pointer[session.Session]

	rootCtx context.Context
	cancel  context.CancelFunc

	recMu     sync.Mutex
	stopping  bool
	reconnect *task.Handle
	watch     *task.Handle
	advertise bool

	stopOnce  sync.Once
	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a stopped bridge. fwd receives every inbound message.
func New(cfg config.Config, logger *zap.Logger, fwd forwarder.Forwarder, opts ...Option) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bridge{
		cfg:     cfg,
		logger:  logger.Named("bridge"),
		fwd:     fwd,
		receive: cfg.Receive.Enabled,
		ready:   make(chan struct{}),
	}
	b.rootCtx, b.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start connects, enables receiving and launches both loops. When connecting fails no loop
// is started and the error is returned.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return ErrStopped
	}
	if b.started {
		return ErrAlreadyStarted
	}

	g, err := b.startGeneration(ctx)
	if err != nil {
		return err
	}
	b.gen = g
	b.started = true

	if b.reg != nil {
		b.advertiseSelf(ctx, g.sess)
		b.watchSinks()
	}
	b.readyOnce.Do(func() { close(b.ready) })
	return nil
}

func (b *Bridge) sessionConfig() (session.Config, error) {
	ct, err := codec.ParseCodecType(b.cfg.RPC.Codec)
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{
		Network:     b.cfg.RPC.Network,
		Address:     b.cfg.RPC.Address(),
		ModulePath:  b.cfg.RPC.ModulePath,
		Version:     b.cfg.RPC.Version,
		Codec:       ct,
		DialTimeout: b.cfg.RPC.DialTimeout,
		CallTimeout: b.cfg.RPC.CallTimeout,
	}, nil
}

func (b *Bridge) newSession() (*session.Session, error) {
	scfg, err := b.sessionConfig()
	if err != nil {
		return nil, err
	}
	mws := []middleware.Middleware{
		middleware.LoggingMiddleware(b.logger.Named("rpc")),
		middleware.MetricsMiddleware(b.metrics),
		middleware.TimeOutMiddleware(b.cfg.RPC.CallTimeout),
	}
	if b.cfg.Limits.SendRate > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(b.cfg.Limits.SendRate, b.cfg.Limits.SendBurst, protocol.SendOpcodes...))
	}
	opts := append([]session.Option{session.WithLogger(b.logger), session.WithMiddleware(mws...)}, b.sessionOpts...)
	return session.New(scfg, opts...), nil
}

// startGeneration connects a fresh session and starts its loops. Caller holds mu.
func (b *Bridge) startGeneration(ctx context.Context) (*generation, error) {
	sess, err := b.newSession()
	if err != nil {
		return nil, err
	}
	if err := sess.Connect(ctx); err != nil {
		_ = sess.Close()
		return nil, err
	}

	g := &generation{sess: sess}
	g.loop = &receiver.Loop{
		Source:           sess,
		Forwarder:        b.fwd,
		PollTimeout:      b.cfg.Receive.PollTimeout,
		Logger:           b.logger.Named("receiver"),
		Metrics:          b.metrics,
		OnDeliveryFailed: b.onDeliveryFailed,
	}
	if b.receive {
		if err := sess.EnableReceive(ctx, b.cfg.Receive.BufferSize, b.cfg.Receive.Pyq); err != nil {
			_ = sess.Close()
			return nil, fmt.Errorf("enable receive: %w", err)
		}
		b.startReceiveLoop(g)
	}

	kl := &keepalive.Loop{
		Pinger:   sess,
		Interval: b.cfg.KeepAlive.Interval,
		Timeout:  b.cfg.RPC.CallTimeout,
		Logger:   b.logger.Named("keepalive"),
		Metrics:  b.metrics,
	}
	g.keep = task.Go(b.rootCtx, "keepalive", b.logger, func(ctx context.Context) error {
		err := kl.Run(ctx)
		if err != nil {
			b.connectionLost(g, err)
		}
		return err
	})

	b.sess.Store(sess)
	b.logger.Info("bridge started", zap.String("endpoint", sess.Endpoint()), zap.Bool("receiving", sess.IsReceiving()))
	return g, nil
}

func (b *Bridge) startReceiveLoop(g *generation) {
	g.recv = task.Go(b.rootCtx, "receive", b.logger, func(ctx context.Context) error {
		err := g.loop.Run(ctx)
		if err != nil && !errors.Is(err, session.ErrNotReceiving) {
			b.connectionLost(g, err)
		}
		return err
	})
	b.metrics.SetReceiving(true)
}

// connectionLost escalates the first failure of a generation. Later failures of the same
// generation (the other loop noticing the same dead connection) are ignored.
func (b *Bridge) connectionLost(g *generation, err error) {
	g.lostOnce.Do(func() {
		b.recMu.Lock()
		defer b.recMu.Unlock()
		if b.stopping {
			return
		}
		b.metrics.RecordConnectionLoss()
		b.metrics.SetReceiving(false)
		b.logger.Error("connection lost", zap.Error(err))
		if b.onLost != nil {
			b.onLost(err)
		}
		if b.cfg.Reconnect.Enabled {
			b.reconnect = task.Go(b.rootCtx, "reconnect", b.logger, func(ctx context.Context) error {
				return b.runReconnect(ctx, g)
			})
		}
	})
}

// runReconnect tears the lost generation down and starts a new one with exponential backoff
// until it succeeds, MaxElapsed passes or the bridge stops.
func (b *Bridge) runReconnect(ctx context.Context, lost *generation) error {
	task.StopAndJoin(lost.recv, lost.keep)
	_ = lost.sess.Close()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.cfg.Reconnect.InitialInterval
	bo.MaxInterval = b.cfg.Reconnect.MaxInterval
	bo.MaxElapsedTime = b.cfg.Reconnect.MaxElapsed
	bo.Reset()

	op := func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.stopped || ctx.Err() != nil {
			return backoff.Permanent(ErrStopped)
		}
		g, err := b.startGeneration(ctx)
		if err != nil {
			b.metrics.RecordReconnect(false)
			return err
		}
		b.gen = g
		b.metrics.RecordReconnect(true)
		return nil
	}
	notify := func(err error, next time.Duration) {
		b.logger.Warn("reconnect failed", zap.Error(err), zap.Duration("retry_in", next))
	}

	err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify)
	if err != nil {
		if errors.Is(err, ErrStopped) || ctx.Err() != nil {
			return nil
		}
		b.logger.Error("giving up reconnecting", zap.Error(err))
		return err
	}
	b.logger.Info("reconnected")
	return nil
}

// Stop disables receiving, stops and joins every loop, then closes the session exactly once.
// It is safe after a failed or partial Start and from concurrent callers; all of them
// return once shutdown finished.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.recMu.Lock()
		b.stopping = true
		rec, watch := b.reconnect, b.watch
		b.recMu.Unlock()
		task.StopAndJoin(rec, watch)

		b.mu.Lock()
		defer b.mu.Unlock()
		b.stopped = true

		if g := b.gen; g != nil {
			// Flip the flag first: the receive loop exits after the poll it has in flight.
			ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Receive.PollTimeout+b.cfg.RPC.CallTimeout)
			if err := g.sess.DisableReceive(ctx); err != nil && !errors.Is(err, session.ErrSessionClosed) {
				b.logger.Warn("disable receive failed", zap.Error(err))
			}
			cancel()
			task.StopAndJoin(g.recv, g.keep)
		}
		if b.advertise {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := b.reg.Deregister(ctx, ServiceName, b.cfg.Registry.Advertise); err != nil {
				b.logger.Warn("deregister failed", zap.Error(err))
			}
			cancel()
		}
		if g := b.gen; g != nil {
			if err := g.sess.Close(); err != nil {
				b.logger.Warn("close session failed", zap.Error(err))
			}
		}
		b.cancel()
		b.metrics.SetReceiving(false)
		b.logger.Info("bridge stopped")
	})
}

// IsReceiving reports whether messages are currently being drained.
func (b *Bridge) IsReceiving() bool {
	sess := b.sess.Load()
	return sess != nil && sess.IsReceiving()
}

// Session returns the current session for issuing commands, nil before Start.
func (b *Bridge) Session() *session.Session {
	return b.sess.Load()
}

// Ready is closed after the first successful Start.
func (b *Bridge) Ready() <-chan struct{} {
	return b.ready
}

// EnableReceiving turns receiving on at runtime and starts the receive loop. The choice
// survives reconnects.
func (b *Bridge) EnableReceiving(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, err := b.current()
	if err != nil {
		return err
	}
	b.receive = true
	if g.recv != nil {
		select {
		case <-g.recv.Done():
		default:
			return nil
		}
	}
	if err := g.sess.EnableReceive(ctx, b.cfg.Receive.BufferSize, b.cfg.Receive.Pyq); err != nil {
		return err
	}
	b.startReceiveLoop(g)
	return nil
}

// DisableReceiving turns receiving off and waits for the receive loop to finish its poll.
// A reconnect does not turn it back on.
func (b *Bridge) DisableReceiving(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, err := b.current()
	if err != nil {
		return err
	}
	b.receive = false
	err = g.sess.DisableReceive(ctx)
	if g.recv != nil {
		select {
		case <-g.recv.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.metrics.SetReceiving(false)
	return err
}

// current returns the live generation. Caller holds mu.
func (b *Bridge) current() (*generation, error) {
	if b.stopped {
		return nil, ErrStopped
	}
	if b.gen == nil {
		return nil, ErrNotStarted
	}
	return b.gen, nil
}
