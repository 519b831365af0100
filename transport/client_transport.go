// Package transport implements the client side of the local RPC channel to the injected module.
//
// The wire protocol has no multiplexing identifiers: each request is answered by exactly one
// response on the same connection. ClientTransport therefore owns a single gate around the
// whole write-then-read exchange, so at most one request is in flight per connection no
// matter how many goroutines (receive loop, keepalive loop, API handlers) share it.
//
//	receive loop ──Call(GET_MSG)──┐
//	keepalive    ──Call(KEEPALIVE)┼──► gate ──► single conn ──► injected module
//	api handler  ──Call(SEND_TEXT)┘
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"wcf-bridge/codec"
	"wcf-bridge/message"
	"wcf-bridge/protocol"
)

const (
	DefaultDialTimeout = 3 * time.Second
	DefaultCallTimeout = 5 * time.Second
)

// Dialer opens the raw connection. net.Dialer.DialContext satisfies it.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

type options struct {
	dialer      Dialer
	dialTimeout time.Duration
	callTimeout time.Duration
	codec       codec.CodecType
}

// Option configures Dial.
type Option func(*options)

// WithDialer replaces the network dialer, mainly for tests.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithDialTimeout bounds connection establishment.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithCallTimeout sets the deadline used by calls whose context has none.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

// WithCodec selects the payload codec stamped into request headers.
func WithCodec(c codec.CodecType) Option {
	return func(o *options) { o.codec = c }
}

// ClientTransport manages one connection to the injected module.
type ClientTransport struct {
	conn        net.Conn
	addr        string
	codec       codec.CodecType
	callTimeout time.Duration

	gate chan struct{} // capacity 1: holding the slot means owning the conn for one exchange

	broken    atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the module endpoint. network is "tcp" or "unix".
func Dial(ctx context.Context, network, address string, opts ...Option) (*ClientTransport, error) {
	o := options{
		dialTimeout: DefaultDialTimeout,
		callTimeout: DefaultCallTimeout,
		codec:       codec.CodecTypeJSON,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dialer == nil {
		d := &net.Dialer{}
		o.dialer = d.DialContext
	}

	dialCtx, cancel := context.WithTimeout(ctx, o.dialTimeout)
	defer cancel()
	conn, err := o.dialer(dialCtx, network, address)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Addr: address, Err: err}
	}

	t := NewClientTransport(conn, o.codec, o.callTimeout)
	t.addr = address
	return t, nil
}

// NewClientTransport wraps an established connection.
func NewClientTransport(conn net.Conn, codecType codec.CodecType, callTimeout time.Duration) *ClientTransport {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	addr := ""
	if ra := conn.RemoteAddr(); ra != nil {
		addr = ra.String()
	}
	return &ClientTransport{
		conn:        conn,
		addr:        addr,
		codec:       codecType,
		callTimeout: callTimeout,
		gate:        make(chan struct{}, 1),
	}
}

// Call sends req and blocks until its response arrives, the deadline passes or ctx is done.
//
// The exchange deadline is the earlier of ctx's deadline and its exchange timeout (see
// protocol.WithExchangeTimeout), otherwise the transport's call timeout. Waiting for the gate
// honours ctx only. Once the request is on the wire, an I/O failure or
// deadline leaves the stream unusable: the transport is marked broken, its connection is
// closed and a *ConnectionError is returned.
func (t *ClientTransport) Call(ctx context.Context, req *message.Request) (*message.Response, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if uint32(len(req.Payload)) > protocol.MaxBodyLen {
		return nil, &TransportError{Op: req.Op, Err: fmt.Errorf("payload too large: %d bytes", len(req.Payload))}
	}

	select {
	case t.gate <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-t.gate }()

	if t.closed.Load() {
		return nil, ErrClosed
	}
	if t.broken.Load() {
		return nil, &ConnectionError{Op: "call", Addr: t.addr, Err: ErrBroken}
	}

	if err := t.conn.SetDeadline(t.deadline(ctx)); err != nil {
		return nil, t.fail(ctx, "call", err)
	}
	// Cancelling ctx mid-exchange pulls the deadline in, which unblocks the read. The gate
	// is not released while that callback may still touch the conn.
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		_ = t.conn.SetDeadline(time.Now())
	})
	defer func() {
		if !stop() {
			<-fired
		}
	}()

	header := protocol.Header{
		CodecType: byte(t.codec),
		Code:      byte(req.Op),
	}
	if err := protocol.Encode(t.conn, &header, req.Payload); err != nil {
		return nil, t.fail(ctx, "write", err)
	}

	replyHeader, body, err := protocol.Decode(t.conn)
	if err != nil {
		return nil, t.fail(ctx, "read", err)
	}

	return &message.Response{
		Status:    protocol.Status(replyHeader.Code),
		CodecType: replyHeader.CodecType,
		Payload:   body,
	}, nil
}

// deadline bounds the exchange that starts now. An exchange timeout carried by ctx counts
// from here, so time spent waiting for the gate is not charged to it.
func (t *ClientTransport) deadline(ctx context.Context) time.Time {
	deadline, hasDeadline := ctx.Deadline()
	if d, ok := protocol.ExchangeTimeout(ctx); ok {
		if e := time.Now().Add(d); !hasDeadline || e.Before(deadline) {
			deadline = e
		}
		return deadline
	}
	if !hasDeadline {
		deadline = time.Now().Add(t.callTimeout)
	}
	return deadline
}

// fail marks the stream broken and releases the connection.
func (t *ClientTransport) fail(ctx context.Context, op string, err error) error {
	t.broken.Store(true)
	t.closeConn()
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w (%v)", ctxErr, err)
	}
	return &ConnectionError{Op: op, Addr: t.addr, Err: err}
}

func (t *ClientTransport) closeConn() {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
}

// Close releases the connection. Safe to call multiple times; the connection is closed once.
func (t *ClientTransport) Close() error {
	t.closed.Store(true)
	t.closeConn()
	return t.closeErr
}

// Broken reports whether an earlier failure made the connection unusable.
func (t *ClientTransport) Broken() bool {
	return t.broken.Load()
}

// Addr returns the endpoint address.
func (t *ClientTransport) Addr() string {
	return t.addr
}

// CodecType returns the payload codec used for requests.
func (t *ClientTransport) CodecType() codec.CodecType {
	return t.codec
}
