// Package forwarder delivers inbound messages to external sinks.
package forwarder

import (
	"context"
	"errors"
	"fmt"

	"wcf-bridge/message"
)

// ErrNoTarget is wrapped in a DeliveryError when no sink is configured or discovered.
var ErrNoTarget = errors.New("no forward target")

// ErrRejected is wrapped in a DeliveryError when the sink answered with a non-2xx status.
var ErrRejected = errors.New("sink rejected message")

// Forwarder delivers one message. A failed delivery returns a *DeliveryError.
type Forwarder interface {
	Forward(ctx context.Context, msg *message.WxMsg) error
}

// DeliveryError reports a message the sink did not accept.
type DeliveryError struct {
	MsgID      uint64
	Target     string
	StatusCode int // HTTP status, 0 when no response was received
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("deliver message %d to %s: status %d", e.MsgID, e.Target, e.StatusCode)
	}
	return fmt.Sprintf("deliver message %d to %s: %v", e.MsgID, e.Target, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Func adapts a local handler into a Forwarder.
type Func func(ctx context.Context, msg *message.WxMsg) error

func (f Func) Forward(ctx context.Context, msg *message.WxMsg) error {
	err := f(ctx, msg)
	if err == nil {
		return nil
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		return err
	}
	return &DeliveryError{MsgID: msg.ID, Target: "local", Err: err}
}

// Mode selects the delivery guarantee.
type Mode int

const (
	// AtMostOnce makes a single attempt; a failed message is dropped.
	AtMostOnce Mode = iota
	// AtLeastOnce retries with backoff. Sinks dedupe on the X-Delivery-Id header.
	AtLeastOnce
)

func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "at-most-once":
		return AtMostOnce, nil
	case "at-least-once":
		return AtLeastOnce, nil
	default:
		return 0, fmt.Errorf("unknown delivery mode %q", s)
	}
}

func (m Mode) String() string {
	if m == AtLeastOnce {
		return "at-least-once"
	}
	return "at-most-once"
}
