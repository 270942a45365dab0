// Package api exposes the relay over HTTP: an execute endpoint, read-only
// views of agent chains and provider state, health, and Prometheus metrics.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/modelrelay/modelrelay/internal/executor"
	"github.com/modelrelay/modelrelay/internal/limiter"
	"github.com/modelrelay/modelrelay/internal/throttle"
	"github.com/modelrelay/modelrelay/pkg/logging"
	"github.com/modelrelay/modelrelay/pkg/metrics"
)

// Server bundles the HTTP handlers and their dependencies.
type Server struct {
	executor *executor.Executor
	limiter  *limiter.Registry
	throttle *throttle.Controller
	metrics  *metrics.Metrics
	logger   *logging.Logger

	requestTimeout time.Duration
	startedAt      time.Time
	version        string
}

// NewServer builds the handler set. Metrics are optional.
func NewServer(exec *executor.Executor, lim *limiter.Registry, thr *throttle.Controller, m *metrics.Metrics, logger *logging.Logger, requestTimeout time.Duration, version string) *Server {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Server{
		executor:       exec,
		limiter:        lim,
		throttle:       thr,
		metrics:        m,
		logger:         logger,
		requestTimeout: requestTimeout,
		startedAt:      time.Now(),
		version:        version,
	}
}

// Router assembles the gin engine with the middleware chain and all routes.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware(s.logger))
	if s.metrics != nil {
		router.Use(s.metrics.PrometheusMiddleware())
	}

	router.GET("/health", s.handleHealth)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	v1 := router.Group("/api/v1")
	{
		v1.POST("/execute", s.handleExecute)
		v1.GET("/agents", s.handleAgents)
		v1.GET("/providers", s.handleProviders)
		v1.GET("/providers/:id", s.handleProvider)
	}

	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"version": s.version,
		"uptime":  time.Since(s.startedAt).String(),
	})
}
