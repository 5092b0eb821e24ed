// Package server is the HTTP binding of the CSE. It translates HTTP
// requests into oneM2M request primitives, hands them to the dispatcher
// and renders the response primitive back onto the wire. It also serves
// the health, metrics and statistics endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/piwi3910/cseweave/internal/config"
	"github.com/piwi3910/cseweave/internal/cse"
	"github.com/piwi3910/cseweave/internal/observability"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Server hosts the HTTP binding in front of a running CSE.
//
// It provides:
//   - the oneM2M primitive routes (every path not claimed below)
//   - health check endpoints (/health, /ready, /live)
//   - a Prometheus metrics endpoint
//   - a CSE statistics endpoint (/admin/statistics)
//   - request logging, recovery and metrics middleware
//   - graceful shutdown
type Server struct {
	config      *config.Config
	logger      *zap.Logger
	router      *gin.Engine
	httpServer  *http.Server
	cse         *cse.CSE
	metrics     *observability.Metrics
	healthCheck *observability.HealthChecker

	shutdownOnce sync.Once
}

// New creates the server in front of the given CSE. It initializes the
// Gin router, middleware and routes.
//
// The function panics if essential dependencies are missing.
func New(cfg *config.Config, c *cse.CSE, logger *zap.Logger) *Server {
	if cfg == nil {
		panic("config cannot be nil")
	}
	if c == nil {
		panic("cse cannot be nil")
	}
	if logger == nil {
		panic("logger cannot be nil")
	}

	gin.SetMode(cfg.Server.GinMode)

	s := &Server{
		config:      cfg,
		logger:      logger.Named("server"),
		router:      gin.New(),
		cse:         c,
		metrics:     observability.InitMetrics("cseweave"),
		healthCheck: initHealthChecker(c),
	}

	s.setupMiddleware()
	s.setupRoutes()
	s.registerResourceGauge()
	return s
}

// registerResourceGauge exposes the current resource count as a gauge
// evaluated at scrape time. Re-registration across servers sharing the
// default registry is tolerated; the first registration wins.
func (s *Server) registerResourceGauge() {
	gauge := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "cseweave",
			Name:      "resources_total",
			Help:      "Current number of stored resources",
		},
		func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			n, err := s.cse.Store().CountResources(ctx)
			if err != nil {
				return 0
			}
			return float64(n)
		},
	)
	if err := prometheus.Register(gauge); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			s.logger.Warn("resource gauge registration failed", zap.Error(err))
		}
	}
}

// initHealthChecker wires the store into liveness and readiness.
func initHealthChecker(c *cse.CSE) *observability.HealthChecker {
	hc := observability.NewHealthChecker(Version)
	check := observability.StoreHealthCheck(c.Store().Ping)
	hc.RegisterHealthCheck("store", check)
	hc.RegisterReadinessCheck("store", check)
	return hc
}

// setupMiddleware installs the global middleware chain. Order matters:
// recovery runs first so panics in the other layers are still caught.
func (s *Server) setupMiddleware() {
	s.router.Use(s.recoveryMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.metricsMiddleware())
}

// setupRoutes claims the operational endpoints and hands every other
// path to the primitive binding. Resource addresses are arbitrary tree
// paths, so they are served from the no-route fallback rather than a
// wildcard route.
func (s *Server) setupRoutes() {
	s.router.GET("/health", gin.WrapF(s.healthCheck.HealthHandler()))
	s.router.GET("/ready", gin.WrapF(s.healthCheck.ReadinessHandler()))
	s.router.GET("/live", gin.WrapF(observability.LivenessHandler()))

	if s.config.Observability.Metrics.Enabled {
		path := s.config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		s.router.GET(path, gin.WrapH(promhttp.Handler()))
	}

	s.router.GET("/admin/statistics", s.handleStatistics)

	s.router.NoRoute(s.handlePrimitive)
}

// handleStatistics returns the CSE operation counters.
func (s *Server) handleStatistics(c *gin.Context) {
	snapshot := s.cse.Stats().Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"createdResources":   snapshot.CreatedResources,
		"updatedResources":   snapshot.UpdatedResources,
		"retrievedResources": snapshot.RetrievedResources,
		"deletedResources":   snapshot.DeletedResources,
		"expiredResources":   snapshot.ExpiredResources,
		"notificationsSent":  snapshot.NotificationsSent,
		"startTime":          snapshot.StartTime.UTC().Format(time.RFC3339),
	})
}

// Start runs the HTTP server and blocks until a shutdown signal arrives
// or the listener fails. On SIGINT/SIGTERM it shuts down gracefully.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.httpServer = &http.Server{
		Addr:           addr,
		Handler:        s.router,
		ReadTimeout:    s.config.Server.ReadTimeout,
		WriteTimeout:   s.config.Server.WriteTimeout,
		IdleTimeout:    s.config.Server.IdleTimeout,
		MaxHeaderBytes: s.config.Server.MaxHeaderBytes,
	}

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("starting HTTP server",
			zap.String("address", addr),
			zap.String("mode", s.config.Server.GinMode),
		)

		var err error
		if s.config.Server.TLS.Enabled {
			s.logger.Info("TLS enabled",
				zap.String("cert_file", s.config.Server.TLS.CertFile),
			)
			err = s.httpServer.ListenAndServeTLS(
				s.config.Server.TLS.CertFile,
				s.config.Server.TLS.KeyFile,
			)
		} else {
			err = s.httpServer.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		s.logger.Info("shutdown signal received",
			zap.String("signal", sig.String()),
		)
		return s.Shutdown()
	}
}

// Shutdown stops accepting new requests and waits for in-flight ones to
// finish or the shutdown timeout to expire. Safe to call more than
// once; only the first call runs. The CSE itself is stopped by the
// caller after the binding has drained.
func (s *Server) Shutdown() error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.logger.Info("initiating graceful shutdown",
			zap.Duration("timeout", s.config.Server.ShutdownTimeout),
		)

		ctx, cancel := context.WithTimeout(
			context.Background(),
			s.config.Server.ShutdownTimeout,
		)
		defer cancel()

		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(ctx); err != nil {
				s.logger.Error("error during shutdown", zap.Error(err))
				shutdownErr = fmt.Errorf("server shutdown failed: %w", err)
				return
			}
		}

		s.logger.Info("server shutdown complete")
	})

	return shutdownErr
}

// Router returns the underlying Gin router for tests and custom routes.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// recoveryMiddleware recovers from panics and logs the error.
func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered",
					zap.Any("error", err),
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
					zap.String("client_ip", c.ClientIP()),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"m2m:dbg": "internal server error",
				})
			}
		}()
		c.Next()
	}
}

// loggingMiddleware logs HTTP requests and responses.
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		s.logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("size", c.Writer.Size()),
		)
	}
}

// metricsMiddleware records request counters, latency and in-flight
// gauge. Primitive requests share one path label so resource addresses
// do not blow up the metric cardinality.
func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		s.metrics.HTTPInFlightInc()
		defer s.metrics.HTTPInFlightDec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "/:resource"
		}
		s.metrics.RecordHTTPRequest(
			c.Request.Method,
			path,
			c.Writer.Status(),
			time.Since(start),
			c.Writer.Size(),
		)
	}
}
