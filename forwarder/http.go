package forwarder

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/imroc/req/v3"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"wcf-bridge/loadbalance"
	"wcf-bridge/message"
	"wcf-bridge/registry"
)

const DeliveryIDHeader = "X-Delivery-Id"

// HTTPConfig configures the HTTP forwarder.
type HTTPConfig struct {
	Timeout         time.Duration
	Mode            Mode
	MaxRetries      int // AtLeastOnce only
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration
}

// HTTP POSTs each message as JSON to one sink picked by the balancer.
type HTTP struct {
	client   *req.Client
	balancer loadbalance.Balancer
	mode     Mode
	logger   *zap.Logger

	targets atomic.Pointer[[]registry.ServiceInstance]
}

// NewHTTP creates the forwarder. urls seeds the target list; SetTargets replaces it.
func NewHTTP(cfg HTTPConfig, bal loadbalance.Balancer, logger *zap.Logger, urls ...string) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("forwarder")
	if bal == nil {
		bal = &loadbalance.RoundRobinBalancer{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	c := req.C().
		SetTimeout(cfg.Timeout).
		SetUserAgent("wcf-bridge").
		SetLogger(logger.Sugar())
	if logger.Core().Enabled(zap.DebugLevel) {
		c.EnableDebugLog()
	}
	if cfg.Mode == AtLeastOnce {
		backoff := lo.Ternary(cfg.RetryBackoff > 0, cfg.RetryBackoff, 500*time.Millisecond)
		maxBackoff := lo.Ternary(cfg.RetryMaxBackoff > 0, cfg.RetryMaxBackoff, 10*time.Second)
		c.SetCommonRetryCount(lo.Ternary(cfg.MaxRetries > 0, cfg.MaxRetries, 3)).
			SetCommonRetryBackoffInterval(backoff, maxBackoff).
			SetCommonRetryCondition(func(resp *req.Response, err error) bool {
				if err != nil {
					return true
				}
				return resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests
			}).
			SetCommonRetryHook(func(resp *req.Response, err error) {
				logger.Debug("retrying delivery", zap.Error(err))
			})
	}

	f := &HTTP{client: c, balancer: bal, mode: cfg.Mode, logger: logger}
	f.SetTargets(lo.Map(urls, func(u string, _ int) registry.ServiceInstance {
		return registry.ServiceInstance{Addr: u, Weight: 1}
	}))
	return f
}

// SetTargets atomically swaps the sink list. Deliveries in flight keep their pick.
func (f *HTTP) SetTargets(instances []registry.ServiceInstance) {
	cp := append([]registry.ServiceInstance(nil), instances...)
	f.targets.Store(&cp)
	f.logger.Info("forward targets updated",
		zap.Strings("targets", lo.Map(cp, func(i registry.ServiceInstance, _ int) string { return i.Addr })),
		zap.String("balancer", f.balancer.Name()))
}

// Targets returns the current sink list.
func (f *HTTP) Targets() []registry.ServiceInstance {
	if p := f.targets.Load(); p != nil {
		return *p
	}
	return nil
}

// Forward delivers msg. Any 2xx counts as delivered.
func (f *HTTP) Forward(ctx context.Context, msg *message.WxMsg) error {
	targets := f.Targets()
	if len(targets) == 0 {
		return &DeliveryError{MsgID: msg.ID, Err: ErrNoTarget}
	}
	target, err := f.balancer.Pick(msg.ConversationKey(), targets)
	if err != nil {
		return &DeliveryError{MsgID: msg.ID, Err: err}
	}

	resp, err := f.client.R().
		SetContext(ctx).
		SetHeader(DeliveryIDHeader, uuid.NewString()).
		SetBodyJsonMarshal(msg.ToSinkPayload()).
		Post(target.Addr)
	if err != nil {
		return &DeliveryError{MsgID: msg.ID, Target: target.Addr, Err: err}
	}
	if !resp.IsSuccessState() {
		return &DeliveryError{MsgID: msg.ID, Target: target.Addr, StatusCode: resp.StatusCode, Err: ErrRejected}
	}
	return nil
}

// Mode returns the configured delivery guarantee.
func (f *HTTP) Mode() Mode { return f.mode }
