// Package httpapi serves the session manager to local callers over HTTP.
// Sessions are addressed with the id query parameter; bodies are JSON.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bnema/chatsession/internal/application"
	"github.com/gin-gonic/gin"
)

const (
	AddrKey = "server.addr"

	DefaultAddr = "127.0.0.1:9988"

	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

type Server struct {
	manager *application.SessionManager
	metrics http.Handler
	logger  *slog.Logger
	engine  *gin.Engine
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetricsHandler mounts h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

func NewServer(manager *application.SessionManager, opts ...Option) *Server {
	s := &Server{
		manager: manager,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(s.logger))
	s.engine = engine
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.engine.Group("/api")
	api.GET("/ping", s.handlePing)
	api.GET("/types", s.handleTypes)
	api.GET("/list", s.handleList)
	api.PUT("/create", s.handleCreate)
	api.PUT("/inherit", s.handleInherit)
	api.DELETE("/delete", s.handleDelete)

	session := api.Group("", s.requireSession)
	session.POST("/append", s.handleAppend)
	session.GET("/get", s.handleGet)
	session.GET("/status", s.handleStatus)
	session.GET("/history", s.handleHistory)
	session.GET("/memo", s.handleMemo)
	session.GET("/remark", s.handleGetRemark)
	session.PUT("/remark", s.handleSetRemark)
	session.PUT("/params", s.handleSetParams)
	session.POST("/compress", s.handleCompress)

	api.POST("/send_away", s.handleSendAway)

	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics))
	}
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve answers on l until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(l)
	}()
	s.logger.Info("http api listening", "addr", l.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http api: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http api: %w", err)
	}
	return nil
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(start),
		)
	}
}
