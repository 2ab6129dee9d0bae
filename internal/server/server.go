// Package server exposes the handler over HTTP with the same request and
// response envelopes the serverless platform uses, for local testing and for
// deployments that call the worker directly.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/fmueller/transcribepod/internal/handler"
	"github.com/fmueller/transcribepod/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// Handler is the single invocation entry point served over HTTP.
type Handler interface {
	Handle(ctx context.Context, ev handler.Event) (handler.Output, error)
}

type Options struct {
	Addr    string
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Debug   bool
	// Health is merged into the /health response.
	Health map[string]string
}

type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	handler    Handler
	logger     *zap.Logger
	health     map[string]string
}

// JobResponse mirrors the platform's /runsync envelope.
type JobResponse struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output *handler.Output `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func New(h Handler, opts Options) *Server {
	if opts.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		httpServer: &http.Server{
			Addr:              opts.Addr,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		engine:  engine,
		handler: h,
		logger:  logger,
		health:  opts.Health,
	}

	engine.POST("/runsync", s.runSync)
	engine.GET("/health", s.healthCheck)
	if opts.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}

	return s
}

// Engine returns the router, mainly for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server failed to bind %s: %w", s.httpServer.Addr, err)
	}

	s.logger.Info("HTTP server started", zap.String("addr", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func (s *Server) runSync(c *gin.Context) {
	var ev handler.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	if ev.ID == "" {
		ev.ID = "sync-" + uuid.NewString()
	}

	out, err := s.handler.Handle(c.Request.Context(), ev)
	if err != nil {
		c.JSON(http.StatusOK, JobResponse{ID: ev.ID, Status: StatusFailed, Error: err.Error()})
		return
	}
	if out.Error != "" {
		c.JSON(http.StatusOK, JobResponse{ID: ev.ID, Status: StatusFailed, Error: out.Error})
		return
	}

	c.JSON(http.StatusOK, JobResponse{ID: ev.ID, Status: StatusCompleted, Output: &out})
}

func (s *Server) healthCheck(c *gin.Context) {
	body := gin.H{"status": "ok"}
	for k, v := range s.health {
		body[k] = v
	}
	c.JSON(http.StatusOK, body)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(started)),
		)
	}
}
