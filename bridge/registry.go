package bridge

import (
	"context"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"wcf-bridge/registry"
	"wcf-bridge/session"
	"wcf-bridge/task"
)

// advertiseSelf publishes the admin address with the logged-in wxid as version. Failure is
// logged, the bridge works without being discoverable. The registration is bound to the
// bridge's lifetime rather than ctx, which only covers Start. Caller holds mu.
func (b *Bridge) advertiseSelf(ctx context.Context, sess *session.Session) {
	addr := b.cfg.Registry.Advertise
	if addr == "" {
		return
	}
	wxid, err := sess.SelfWxid(ctx)
	if err != nil {
		b.logger.Warn("self wxid unavailable for advertisement", zap.Error(err))
	}
	inst := registry.ServiceInstance{Addr: addr, Weight: 1, Version: wxid}
	if err := b.reg.Register(b.rootCtx, ServiceName, inst, b.cfg.Registry.TTL); err != nil {
		b.logger.Warn("advertise failed", zap.String("addr", addr), zap.Error(err))
		return
	}
	b.advertise = true
}

// watchSinks feeds discovered sinks into the forwarder. An empty discovery result falls back
// to the statically configured URLs. Caller holds mu.
func (b *Bridge) watchSinks() {
	svc := b.cfg.Registry.SinkService
	if svc == "" {
		return
	}
	ts, ok := b.fwd.(TargetSetter)
	if !ok {
		b.logger.Warn("forwarder does not accept discovered targets", zap.String("service", svc))
		return
	}
	static := lo.Map(b.cfg.Forward.URLs, func(u string, _ int) registry.ServiceInstance {
		return registry.ServiceInstance{Addr: u, Weight: 1}
	})

	b.recMu.Lock()
	defer b.recMu.Unlock()
	b.watch = task.Go(b.rootCtx, "sink-watch", b.logger, func(ctx context.Context) error {
		for instances := range b.reg.Watch(ctx, svc) {
			ts.SetTargets(lo.Ternary(len(instances) == 0, static, instances))
		}
		return nil
	})
}
