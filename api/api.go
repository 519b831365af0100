// Package api serves the bridge's admin HTTP interface: health, metrics, log level and the
// command facade of the live session.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"wcf-bridge/session"
)

// Backend is the part of the bridge the API drives.
type Backend interface {
	Session() *session.Session
	IsReceiving() bool
	EnableReceiving(ctx context.Context) error
	DisableReceiving(ctx context.Context) error
}

type Option func(*Server)

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithLogLevel mounts the level handler at /log/level (GET reads it, PUT {"level":"debug"}
// changes it).
func WithLogLevel(level zap.AtomicLevel) Option {
	return func(s *Server) { s.level = &level }
}

type Server struct {
	backend Backend
	logger  *zap.Logger
	metrics http.Handler
	level   *zap.AtomicLevel
	started time.Time

	engine *gin.Engine
	srv    *http.Server
}

func New(backend Backend, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		backend: backend,
		logger:  logger.Named("api"),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	// handlers pass the gin context to the session, which must see client cancellation
	r.ContextWithFallback = true
	r.Use(gin.Recovery(), accessLog(s.logger))
	s.routes(r)
	s.engine = r
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on addr and serves in the background. It returns the bound address.
func (s *Server) Start(addr string) (net.Addr, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s.srv = &http.Server{Handler: s.engine, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin api stopped", zap.Error(err))
		}
	}()
	s.logger.Info("admin api listening", zap.Stringer("addr", l.Addr()))
	return l.Addr(), nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func accessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.String("ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("error", c.Errors.String()))
		}
		switch status := c.Writer.Status(); {
		case status >= 500:
			logger.Error("http request", fields...)
		case status >= 400:
			logger.Warn("http request", fields...)
		default:
			logger.Debug("http request", fields...)
		}
	}
}
