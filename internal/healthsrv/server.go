package healthsrv

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-orchestrator/internal/guards"
)

// BreakerRegistry is the subset of guards.BreakerRegistry the server
// needs, named here so this package stays decoupled from guards'
// concrete type.
type BreakerRegistry interface {
	AllHealthy() bool
	Healthy(c guards.Collaborator) bool
	State(c guards.Collaborator) string
	Collaborators() []guards.Collaborator
}

// ReadinessCheck reports whether a mandatory dependency (memory store,
// knowledge base) is reachable.
type ReadinessCheck func(ctx context.Context) error

// Server is the HTTP health + metrics surface.
type Server struct {
	router   *gin.Engine
	httpSrv  *http.Server
	breakers BreakerRegistry
	metrics  *Metrics

	consumerAttached atomic.Bool
	readinessChecks  []ReadinessCheck
}

// New builds the health server bound to addr, with request-ID and
// request-logging middleware on every route.
func New(addr string, breakers BreakerRegistry, metrics *Metrics, readinessChecks ...ReadinessCheck) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(loggingMiddleware())

	s := &Server{
		router:          router,
		breakers:        breakers,
		metrics:         metrics,
		readinessChecks: readinessChecks,
	}
	s.httpSrv = &http.Server{Addr: addr, Handler: router, ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second}
	s.registerRoutes()
	return s
}

// SetConsumerAttached marks whether the bus consumer has started, used
// by the readiness probe.
func (s *Server) SetConsumerAttached(attached bool) {
	s.consumerAttached.Store(attached)
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/health/live", s.handleLive)
	s.router.GET("/health/ready", s.handleReady)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// handleHealth returns 200 iff every circuit breaker is CLOSED or
// HALF_OPEN.
func (s *Server) handleHealth(c *gin.Context) {
	if s.breakers == nil || s.breakers.AllHealthy() {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
		return
	}
	states := gin.H{}
	if s.breakers != nil {
		for _, collab := range s.breakers.Collaborators() {
			states[string(collab)] = s.breakers.State(collab)
		}
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "circuits": states})
}

// handleLive always returns 200 while the process is running.
func (s *Server) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "live"})
}

// handleReady returns 200 iff the consumer is attached and mandatory
// dependencies respond.
func (s *Server) handleReady(c *gin.Context) {
	if !s.consumerAttached.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": "consumer not attached"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	for _, check := range s.readinessChecks {
		if err := check(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Run starts the HTTP server and blocks until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// RecordCircuitGauges refreshes the circuit-state gauge from the
// breaker registry, called periodically by the caller's metrics loop.
func (s *Server) RecordCircuitGauges() {
	if s.breakers == nil || s.metrics == nil {
		return
	}
	for _, collab := range s.breakers.Collaborators() {
		s.metrics.CircuitState.WithLabelValues(string(collab)).Set(circuitStateValue(s.breakers.State(collab)))
	}
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = fmt.Sprintf("%d", time.Now().UnixNano())
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("request_id", c.GetString("request_id")).
			Msg("health surface request")
	}
}
