package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"modgate/internal/core"
	"modgate/internal/observability"
)

// Context keys for values stashed by the gate middleware.
const (
	ctxRawBody     = "gateway.raw_body"
	ctxChatRequest = "gateway.chat_request"
)

// Rate limit response headers, set on allowed and rejected requests alike.
const (
	headerRateLimit     = "X-RateLimit-Limit"
	headerRateRemaining = "X-RateLimit-Remaining"
	headerRateReset     = "X-RateLimit-Reset"
)

// parseBody reads and JSON-validates POST bodies before any gate that
// could reject the request, so malformed payloads fail with 400 rather
// than consuming rate-limit or breaker budget downstream. Chat bodies are
// decoded into the typed request; other routes keep the raw bytes for
// passthrough.
func (s *Server) parseBody(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		if req.Method != http.MethodPost {
			return next(c)
		}

		body, err := io.ReadAll(req.Body)
		if err != nil {
			var he *echo.HTTPError
			if errors.As(err, &he) {
				return he
			}
			return core.NewInvalidRequestError("failed to read request body")
		}
		_ = req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(body))
		c.Set(ctxRawBody, body)

		if c.Path() == "/v1/chat/completions" {
			var chat core.ChatRequest
			if err := json.Unmarshal(body, &chat); err != nil {
				return core.NewInvalidRequestError("request body is not valid JSON")
			}
			c.Set(ctxChatRequest, &chat)
		} else if !json.Valid(body) {
			return core.NewInvalidRequestError("request body is not valid JSON")
		}
		return next(c)
	}
}

// burstGate sheds every request while the process-wide burst breaker is
// open. Runs before the rate limiter so a tripped breaker does not consume
// per-client windows.
func (s *Server) burstGate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !s.burst.Allow() {
			observability.RecordBreakerRejection("global_burst")
			return core.NewBurstTrippedError()
		}
		return next(c)
	}
}

// rateLimit counts the request against the named route's tiers and sets
// the X-RateLimit-* headers from the binding tier. Rejections carry the
// per-tier breakdown in the error details.
func (s *Server) rateLimit(route string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			res := s.limiter.Check(route, c.RealIP())

			h := c.Response().Header()
			h.Set(headerRateLimit, strconv.Itoa(res.Limit))
			h.Set(headerRateRemaining, strconv.Itoa(res.Remaining))
			h.Set(headerRateReset, strconv.FormatInt(res.Reset, 10))

			if res.Limited {
				observability.RecordRateLimited(route, res.LimitedBy())
				return core.NewRateLimitError("rate limit exceeded for "+route, res.Breakdown())
			}
			return next(c)
		}
	}
}
