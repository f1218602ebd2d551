// Package server is the HTTP front of the gateway. It assembles the Echo
// router, runs every request through the gate sequence (body parse, burst
// breaker, rate limiter, authentication) and renders all errors in the
// uniform envelope shape.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"modgate/internal/breaker"
	"modgate/internal/core"
	"modgate/internal/moderation"
	"modgate/internal/observability"
	"modgate/internal/ratelimit"
	"modgate/internal/upstream"
)

// Route names used as rate limiter keys and metrics labels.
const (
	RouteChat   = "chat"
	RouteImages = "images"
	RouteAudio  = "audio"
	RouteModels = "models"
)

// Server wraps the Echo server
type Server struct {
	echo    *echo.Echo
	handler *Handler
	limiter *ratelimit.Limiter
	burst   *breaker.Burst
}

// Config holds server configuration options
type Config struct {
	AuthKey         string        // Gateway API key; empty disables authentication
	MetricsEnabled  bool          // Whether to expose Prometheus metrics endpoint
	MetricsEndpoint string        // HTTP path for metrics endpoint (default: /metrics)
	StreamTimeout   time.Duration // Stream inactivity window before the watchdog cuts in
}

// Deps are the gateway components the server dispatches into.
type Deps struct {
	Primary   *upstream.Client
	Engine    *moderation.Engine
	Whitelist *moderation.Whitelist
	Breaker   *breaker.Breaker
	Limiter   *ratelimit.Limiter
	Burst     *breaker.Burst
}

// New creates a new HTTP server
func New(deps Deps, cfg *Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = errorHandler

	e.Use(requestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
	}))
	// Preflight requests with an Origin are already answered by the CORS
	// middleware; this catches bare OPTIONS probes on any path.
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Method == http.MethodOptions {
				return c.NoContent(http.StatusNoContent)
			}
			return next(c)
		}
	})

	streamTimeout := 60 * time.Second
	authKey := ""
	if cfg != nil {
		if cfg.StreamTimeout > 0 {
			streamTimeout = cfg.StreamTimeout
		}
		authKey = cfg.AuthKey
	}

	handler := NewHandler(deps, streamTimeout)
	s := &Server{
		echo:    e,
		handler: handler,
		limiter: deps.Limiter,
		burst:   deps.Burst,
	}

	// Public routes (no authentication required)
	// These must be registered BEFORE auth middleware is applied
	e.GET("/health", handler.Health)

	// Conditionally register metrics endpoint (public, no auth)
	if cfg != nil && cfg.MetricsEnabled {
		metricsPath := cfg.MetricsEndpoint
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
		// Normalize path to prevent traversal attacks (e.g., /v1/../admin -> /admin)
		// and then validate it doesn't shadow protected API routes
		metricsPath = path.Clean(metricsPath)
		if metricsPath == "/v1" || strings.HasPrefix(metricsPath, "/v1/") {
			slog.Warn("metrics endpoint path conflicts with API routes, using /metrics instead",
				"configured_path", cfg.MetricsEndpoint,
				"normalized_path", metricsPath)
			metricsPath = "/metrics"
		}
		e.GET(metricsPath, echo.WrapHandler(promhttp.Handler()))
	}

	// API routes group. The middleware order mirrors the gate sequence:
	// body limit, JSON parse, burst breaker, then per-route rate limit and
	// authentication.
	api := e.Group("/v1", middleware.BodyLimit("10M"), s.parseBody, s.burstGate)

	auth := Authenticate(authKey)
	api.POST("/chat/completions", handler.ChatCompletions, s.rateLimit(RouteChat), auth)
	api.POST("/images/generations", handler.Images, s.rateLimit(RouteImages), auth)
	api.POST("/audio/transcriptions", handler.Audio, s.rateLimit(RouteAudio), auth)
	api.GET("/models", handler.Models, s.rateLimit(RouteModels), auth)

	return s
}

// Start starts the HTTP server on the given address
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements the http.Handler interface, allowing Server to be used with httptest
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// requestLogger emits one slog line per request. Health and metrics probes
// are skipped to keep the log readable.
func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			p := c.Request().URL.Path
			return p == "/health" || p == "/metrics"
		},
		LogStatus:  true,
		LogMethod:  true,
		LogURI:     true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds())
			return nil
		},
	})
}

// errorHandler renders every error in the envelope shape. Provider 4xx
// replies pass through verbatim; everything else is formatted from the
// GatewayError. Errors surfacing after the response is committed are left
// to the stream relay, which reports them in-band.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var ge *core.GatewayError
	if !errors.As(err, &ge) {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			ge = fromHTTPError(he, c)
		} else {
			ge = core.NewInternalError(err)
		}
	}

	if ge.StatusCode >= http.StatusInternalServerError {
		slog.Error("request failed",
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"status", ge.StatusCode,
			"code", ge.Code,
			"error", err)
	}
	if ge.Details != nil && ge.Details["circuit_breaker"] == true {
		observability.RecordBreakerRejection("primary")
	}

	if ge.Upstream != nil && ge.Upstream.StatusCode >= 400 && ge.Upstream.StatusCode < 500 {
		contentType := ge.Upstream.Header.Get(echo.HeaderContentType)
		if contentType == "" {
			contentType = echo.MIMEApplicationJSON
		}
		if werr := c.Blob(ge.Upstream.StatusCode, contentType, ge.Upstream.Body); werr != nil {
			slog.Error("failed to write error response", "error", werr)
		}
		return
	}

	if werr := c.JSON(ge.StatusCode, ge.Envelope()); werr != nil {
		slog.Error("failed to write error response", "error", werr)
	}
}

// fromHTTPError maps router-generated errors (404, 405, body limit) into
// the envelope taxonomy.
func fromHTTPError(he *echo.HTTPError, c echo.Context) *core.GatewayError {
	switch he.Code {
	case http.StatusNotFound:
		return core.NewNotFoundError(c.Request().URL.Path)
	case http.StatusMethodNotAllowed:
		return core.NewMethodNotAllowedError(c.Request().Method, c.Request().URL.Path)
	}

	msg, ok := he.Message.(string)
	if !ok {
		msg = fmt.Sprintf("%v", he.Message)
	}
	return &core.GatewayError{
		Type:         core.ErrorTypeInvalidRequest,
		Code:         core.CodeInvalidRequest,
		StatusCode:   he.Code,
		Message:      msg,
		NonRetryable: true,
	}
}
