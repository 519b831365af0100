// Package session wraps one transport to the injected module with the state the bridge
// needs to decide whether it is usable, and exposes the typed command facade on top of it.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"wcf-bridge/codec"
	"wcf-bridge/message"
	"wcf-bridge/middleware"
	"wcf-bridge/protocol"
	"wcf-bridge/transport"
)

// pollGrace is added to the GET_MSG timeout so the module can answer EMPTY before the
// transport deadline fires.
const pollGrace = 2 * time.Second

// Config describes the endpoint a session talks to.
type Config struct {
	Network     string // "tcp" or "unix"
	Address     string
	ModulePath  string // checked for presence before dialing when set
	Version     string
	Codec       codec.CodecType
	DialTimeout time.Duration
	CallTimeout time.Duration
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) { s.logger = logger.Named("session") }
}

// WithMiddleware appends call interceptors. They run in the given order around every call.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(s *Session) { s.middlewares = append(s.middlewares, mws...) }
}

// WithDialer replaces the network dialer.
func WithDialer(d transport.Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// Session is the single point of truth for whether the bridge can talk to the module.
type Session struct {
	cfg         Config
	codec       codec.Codec
	logger      *zap.Logger
	dialer      transport.Dialer
	middlewares []middleware.Middleware
	handler     middleware.CallFunc

	tr atomic.Pointer[transport.ClientTransport]

	connected atomic.Bool
	receiving atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	connectMu sync.Mutex
	selfWxid  atomic.Pointer[string]
}

// New returns an unconnected session.
func New(cfg Config, opts ...Option) *Session {
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	s := &Session{
		cfg:    cfg,
		codec:  codec.GetCodec(cfg.Codec),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = middleware.Chain(s.middlewares...)(s.roundTrip)
	return s
}

// Connect checks the module, dials the endpoint and performs the CONNECT handshake.
// Every failure is a *transport.ConnectionError.
func (s *Session) Connect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	if s.closed.Load() {
		return ErrSessionClosed
	}
	if s.connected.Load() {
		return nil
	}
	if s.cfg.ModulePath != "" {
		if _, err := os.Stat(s.cfg.ModulePath); err != nil {
			return &transport.ConnectionError{Op: "connect", Addr: s.Endpoint(), Err: fmt.Errorf("module not present: %w", err)}
		}
	}

	opts := []transport.Option{transport.WithCodec(s.cfg.Codec)}
	if s.dialer != nil {
		opts = append(opts, transport.WithDialer(s.dialer))
	}
	if s.cfg.DialTimeout > 0 {
		opts = append(opts, transport.WithDialTimeout(s.cfg.DialTimeout))
	}
	if s.cfg.CallTimeout > 0 {
		opts = append(opts, transport.WithCallTimeout(s.cfg.CallTimeout))
	}
	tr, err := transport.Dial(ctx, s.cfg.Network, s.cfg.Address, opts...)
	if err != nil {
		return err
	}
	if old := s.tr.Swap(tr); old != nil {
		_ = old.Close()
	}

	var st message.Status
	args := &message.ConnectArgs{ModulePath: s.cfg.ModulePath, Version: s.cfg.Version}
	if err := s.invoke(ctx, protocol.OpConnect, args, &st); err != nil {
		_ = tr.Close()
		if transport.IsConnectionError(err) {
			return err
		}
		return &transport.ConnectionError{Op: "connect", Addr: s.Endpoint(), Err: err}
	}
	if st.Code != 0 {
		_ = tr.Close()
		return &transport.ConnectionError{Op: "connect", Addr: s.Endpoint(), Err: &StatusError{Op: protocol.OpConnect, Code: st.Code}}
	}

	// Close may have run while we were dialing.
	if s.closed.Load() {
		_ = tr.Close()
		return ErrSessionClosed
	}
	s.connected.Store(true)
	s.logger.Info("connected", zap.String("endpoint", s.Endpoint()), zap.Stringer("codec", s.cfg.Codec))
	return nil
}

// Call issues op with args and decodes the reply into reply (may be nil).
func (s *Session) Call(ctx context.Context, op protocol.Opcode, args, reply any) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if !s.connected.Load() {
		return ErrNotConnected
	}
	return s.invoke(ctx, op, args, reply)
}

func (s *Session) invoke(ctx context.Context, op protocol.Opcode, args, reply any) error {
	req := &message.Request{Op: op}
	if args != nil {
		payload, err := s.codec.Encode(args)
		if err != nil {
			return &transport.TransportError{Op: op, Err: fmt.Errorf("encode args: %w", err)}
		}
		req.Payload = payload
	}

	resp, err := s.handler(ctx, req)
	if err != nil {
		if transport.IsConnectionError(err) {
			s.markLost(err)
		}
		return err
	}

	switch resp.Status {
	case protocol.StatusOK:
	case protocol.StatusEmpty:
		return errEmpty
	case protocol.StatusError:
		return &transport.TransportError{Op: op, Err: fmt.Errorf("%w: %s", transport.ErrRemote, resp.Payload)}
	default:
		return &transport.TransportError{Op: op, Err: fmt.Errorf("unknown status %s", resp.Status)}
	}

	if reply == nil || len(resp.Payload) == 0 {
		return nil
	}
	if err := codec.GetCodec(codec.CodecType(resp.CodecType)).Decode(resp.Payload, reply); err != nil {
		return &transport.TransportError{Op: op, Err: fmt.Errorf("decode reply: %w", err)}
	}
	return nil
}

// roundTrip is the innermost CallFunc of the middleware chain.
func (s *Session) roundTrip(ctx context.Context, req *message.Request) (*message.Response, error) {
	tr := s.tr.Load()
	if tr == nil {
		return nil, ErrNotConnected
	}
	return tr.Call(ctx, req)
}

func (s *Session) markLost(err error) {
	s.receiving.Store(false)
	if s.connected.Swap(false) {
		s.logger.Warn("connection lost", zap.String("endpoint", s.Endpoint()), zap.Error(err))
	}
}

// Close tears the session down. Safe to call repeatedly and concurrently; the transport is
// closed exactly once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.receiving.Store(false)
		s.connected.Store(false)
		// Wait out an in-progress Connect so its transport is not leaked.
		s.connectMu.Lock()
		defer s.connectMu.Unlock()
		if tr := s.tr.Load(); tr != nil {
			s.closeErr = tr.Close()
		}
		s.logger.Info("closed", zap.String("endpoint", s.Endpoint()))
	})
	if errors.Is(s.closeErr, net.ErrClosed) {
		return nil
	}
	return s.closeErr
}

func (s *Session) IsConnected() bool { return s.connected.Load() }

func (s *Session) IsReceiving() bool { return s.receiving.Load() }

func (s *Session) IsClosed() bool { return s.closed.Load() }

// Endpoint returns network and address as "tcp://127.0.0.1:10086".
func (s *Session) Endpoint() string {
	return s.cfg.Network + "://" + s.cfg.Address
}

// Addr joins host and port the way the module's config prints them.
func Addr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
