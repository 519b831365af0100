// Package server emulates the instrumented side of the WCF wire protocol.
//
// It backs the package tests and the wcf-stub binary: a bridge can be developed and exercised
// without a Windows host running the injected module. Requests on a connection are handled
// strictly in order, one at a time, exactly like the real endpoint.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (reads one frame)
//	  → Codec.Decode → Middleware Chain → opcode handler → Codec.Encode → write response
//	  → read next frame
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"wcf-bridge/codec"
	"wcf-bridge/message"
	"wcf-bridge/middleware"
	"wcf-bridge/protocol"
)

// Server is an in-process instrumented endpoint.
type Server struct {
	handlers    map[protocol.Opcode]middleware.CallFunc
	listener    net.Listener
	wg          sync.WaitGroup          // Tracks in-flight requests for graceful shutdown
	shutdown    atomic.Bool             // Set during shutdown to suppress Accept errors
	middlewares []middleware.Middleware // Applied in order around every handler
	handler     middleware.CallFunc
	logger      *zap.Logger

	ctx    context.Context // Cancelled on shutdown so blocked GET_MSG polls return
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	state *moduleState
	ready chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates a server with the default module emulation installed.
func NewServer(opts ...Option) *Server {
	s := &Server{
		handlers: make(map[protocol.Opcode]middleware.CallFunc),
		logger:   zap.NewNop(),
		conns:    make(map[net.Conn]struct{}),
		state:    newModuleState(),
		ready:    make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}
	s.installDefaults()
	return s
}

// Handle installs or replaces the handler for op. Must be called before Serve.
func (s *Server) Handle(op protocol.Opcode, fn middleware.CallFunc) {
	s.handlers[op] = fn
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Listen binds the listener without serving, so callers can learn the address first.
func (s *Server) Listen(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	s.listener = listener
	return nil
}

// Serve listens on the given address (unless Listen was called) and runs the accept loop
// until Shutdown.
func (s *Server) Serve(network, address string) error {
	if s.listener == nil {
		if err := s.Listen(network, address); err != nil {
			return err
		}
	}

	// Build the middleware chain once at startup (not per-request)
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)
	close(s.ready)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.track(conn, true)
		go s.handleConn(conn)
	}
}

// Addr returns the bound listener address, nil before Listen/Serve.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Ready is closed once Serve has entered its accept loop.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// handleConn serves one connection: read a frame, answer it, read the next.
func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		s.track(conn, false)
		conn.Close()
	}()
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			return
		}
		if !s.handleRequest(conn, header, body) {
			return
		}
	}
}

func (s *Server) handleRequest(conn net.Conn, header *protocol.Header, body []byte) bool {
	s.wg.Add(1)
	defer s.wg.Done()

	c := codec.GetCodec(codec.CodecType(header.CodecType))
	req := &message.Request{Op: protocol.Opcode(header.Code), Payload: body}

	resp, err := s.handler(withCodec(s.ctx, c), req)
	if err != nil {
		resp = &message.Response{Status: protocol.StatusError, Payload: []byte(err.Error())}
	}
	if resp == nil {
		resp = &message.Response{Status: protocol.StatusOK}
	}

	reply := protocol.Header{
		CodecType: header.CodecType,
		Code:      byte(resp.Status),
	}
	if err := protocol.Encode(conn, &reply, resp.Payload); err != nil {
		s.logger.Warn("write reply failed", zap.Stringer("op", req.Op), zap.Error(err))
		return false
	}
	return true
}

func (s *Server) dispatch(ctx context.Context, req *message.Request) (*message.Response, error) {
	s.state.count(req.Op)
	fn, ok := s.handlers[req.Op]
	if !ok {
		return nil, fmt.Errorf("unsupported opcode %s", req.Op)
	}
	return fn(ctx, req)
}

// DropConnections closes every accepted connection, simulating the target process dying.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

// ConnCount returns the number of open client connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown performs graceful shutdown:
//  1. Set shutdown flag (so Accept error is recognized as intentional)
//  2. Close the listener and release blocked GET_MSG polls
//  3. Wait for in-flight requests to finish (with timeout)
//  4. Close the remaining client connections
func (s *Server) Shutdown(timeout time.Duration) error {
	s.shutdown.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = errors.New("timeout waiting for ongoing requests to finish")
	}
	s.DropConnections()
	return err
}

// Start binds and serves in the background, returning once the accept loop runs.
func (s *Server) Start(network, address string) error {
	if err := s.Listen(network, address); err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(network, address) }()
	select {
	case <-s.ready:
		return nil
	case err := <-errCh:
		return err
	}
}
