// Package server provides the HTTP listener of the service.
//
// # Callback Endpoint
//
// POST /callback?token=... - Receives the disposition of a submitted
// document from the authority. The token was issued when the document was
// submitted and names its stored record. The endpoint is throttled.
//
// # Health & Metrics
//
//   - GET /healthz - Readiness probe, pings the database
//   - GET /metrics - Prometheus metrics (if enabled)
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/josiasmc/facturador-electronico-cr/internal/config"
	"github.com/josiasmc/facturador-electronico-cr/internal/facturador"
)

const (
	requestIDHeader = "X-Request-ID"
	maxCallbackBody = 4 << 20
)

// CallbackProcessor applies dispositions posted by the authority.
type CallbackProcessor interface {
	ProcessCallback(ctx context.Context, body []byte, token string) (*facturador.CallbackResult, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP server
type Server struct {
	config    *config.Config
	logger    *zap.Logger
	httpSrv   *http.Server
	router    *gin.Engine
	callbacks CallbackProcessor
	store     Pinger
	gatherer  prometheus.Gatherer
	throttle  *rate.Limiter
}

// New creates a server. A nil gatherer serves the default registry.
func New(cfg *config.Config, callbacks CallbackProcessor, store Pinger, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		config:    cfg,
		logger:    logger,
		callbacks: callbacks,
		store:     store,
		gatherer:  gatherer,
	}
	if cfg.Server.CallbackRate > 0 {
		burst := cfg.Server.CallbackBurst
		if burst <= 0 {
			burst = 1
		}
		s.throttle = rate.NewLimiter(rate.Limit(cfg.Server.CallbackRate), burst)
	}

	gin.SetMode(gin.ReleaseMode)
	s.router = gin.New()
	s.registerRoutes(s.router)

	s.httpSrv = &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes(r *gin.Engine) {
	r.HandleMethodNotAllowed = true
	if s.config.Observability.Tracing.Enabled {
		service := s.config.Observability.Tracing.ServiceName
		if service == "" {
			service = "facturador"
		}
		r.Use(otelgin.Middleware(service))
	}
	r.Use(requestID(), s.accessLog(), s.recovery())

	r.POST("/callback", s.limit(), s.handleCallback)
	r.GET("/healthz", s.handleHealth)

	if s.config.Observability.Metrics.Enabled {
		path := s.config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting server", zap.String("addr", s.httpSrv.Addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set("requestID", rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("remote_ip", c.ClientIP()),
			zap.String("request_id", c.GetString("requestID")),
		}
		switch {
		case status >= 500 || len(c.Errors) > 0:
			s.logger.Error("request", append(fields, zap.String("errors", c.Errors.String()))...)
		case status >= 400:
			s.logger.Warn("request", fields...)
		default:
			s.logger.Debug("request", fields...)
		}
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic serving request",
					zap.Any("panic", rec),
					zap.String("request_id", c.GetString("requestID")),
					zap.Stack("stack"))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"request_id": c.GetString("requestID"),
					"error":      "internal error",
				})
			}
		}()
		c.Next()
	}
}

func (s *Server) limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.throttle == nil || s.throttle.Allow() {
			c.Next()
			return
		}
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
	}
}

func (s *Server) handleCallback(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "reading body"})
		return
	}

	result, err := s.callbacks.ProcessCallback(c.Request.Context(), body, c.Query("token"))
	if err != nil {
		_ = c.Error(err)
		switch {
		case errors.Is(err, facturador.ErrInvalidCallbackToken):
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid token"})
		case errors.Is(err, facturador.ErrMalformedCallback):
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed body"})
		default:
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "callback not processed"})
		}
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
