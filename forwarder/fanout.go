package forwarder

import (
	"context"
	"errors"

	"wcf-bridge/message"
	"wcf-bridge/registry"
)

// Fanout hands every message to each of its forwarders in order. One failing does not keep
// the message from the others; the failures are joined.
type Fanout []Forwarder

func (f Fanout) Forward(ctx context.Context, msg *message.WxMsg) error {
	var errs []error
	for _, fwd := range f {
		if err := fwd.Forward(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetTargets passes discovered sinks to the members that accept them.
func (f Fanout) SetTargets(instances []registry.ServiceInstance) {
	for _, fwd := range f {
		if ts, ok := fwd.(interface {
			SetTargets([]registry.ServiceInstance)
		}); ok {
			ts.SetTargets(instances)
		}
	}
}
