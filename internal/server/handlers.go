package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"modgate/internal/breaker"
	"modgate/internal/core"
	"modgate/internal/moderation"
	"modgate/internal/observability"
	"modgate/internal/upstream"
	"modgate/internal/version"
)

// Verdict headers attached to moderated responses.
const (
	headerReviewID      = "X-Content-Review-ID"
	headerRiskLevel     = "X-Risk-Level"
	headerReviewPartial = "X-Content-Review-Partial"
)

// Handler implements the route handlers behind the gate middleware.
type Handler struct {
	forwarder *upstream.Forwarder
	primary   *upstream.Client
	engine    *moderation.Engine
	whitelist *moderation.Whitelist
	breaker   *breaker.Breaker
	relay     *Relay
}

// NewHandler wires the gateway components into the route handlers.
func NewHandler(deps Deps, streamTimeout time.Duration) *Handler {
	return &Handler{
		forwarder: upstream.NewForwarder(deps.Primary),
		primary:   deps.Primary,
		engine:    deps.Engine,
		whitelist: deps.Whitelist,
		breaker:   deps.Breaker,
		relay:     NewRelay(streamTimeout),
	}
}

// ChatCompletions runs the moderation pipeline and forwards the request to
// the primary provider. Moderation is skipped for the engine's own review
// calls looping back through the gateway and for whitelisted models.
func (h *Handler) ChatCompletions(c echo.Context) error {
	req, _ := c.Get(ctxChatRequest).(*core.ChatRequest)
	if req == nil {
		return core.NewInvalidRequestError("request body is required")
	}
	if req.Model == "" {
		return core.NewInvalidRequestError("model is required")
	}
	if len(req.Messages) == 0 {
		return core.NewInvalidRequestError("messages are required")
	}

	// Relay validation runs before moderation so a rejected request never
	// spends a review call.
	relay, err := upstream.BuildRelayRequest(req)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()

	var verdict *moderation.Verdict
	switch {
	case moderation.IsModerationRequest(req.Messages):
	case h.whitelist != nil && h.whitelist.Matches(req.Model):
	default:
		if h.engine == nil {
			return core.NewConfigError("moderation engine not configured")
		}
		// Review runs on a detached context: a client that disconnects
		// mid-review lets the verdict complete, then discards it.
		verdict, err = h.engine.Review(context.WithoutCancel(ctx), req.Messages)
		if err != nil {
			return reviewFailure(err)
		}
		observability.RecordVerdict(verdict.IsViolation, verdict.Partial)
		if ctx.Err() != nil {
			slog.Info("client disconnected during content review, verdict discarded",
				"log_id", verdict.LogID)
			return nil
		}
		if verdict.IsViolation {
			if req.Stream {
				return h.relay.Violation(c, verdict)
			}
			return core.NewViolationError(verdict.RiskLevel, verdict.LogID, verdict.Partial)
		}
	}

	if req.Stream {
		stream, err := h.forwarder.Stream(ctx, relay)
		if err != nil {
			return err
		}
		return h.relay.Pipe(c, stream, verdict)
	}

	resp, err := h.forwarder.Complete(ctx, relay)
	if err != nil {
		return err
	}
	setVerdictHeaders(c.Response().Header(), verdict)
	return c.Blob(resp.StatusCode, contentTypeOf(resp), resp.Body)
}

// Images relays image generation requests to the primary provider without
// moderation.
func (h *Handler) Images(c echo.Context) error {
	raw, _ := c.Get(ctxRawBody).([]byte)
	var req core.ImageRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return core.NewInvalidRequestError("request body is not valid JSON")
	}
	if err := req.Validate(); err != nil {
		return err
	}

	resp, err := h.primary.Forward(c.Request().Context(), http.MethodPost, "/images/generations", raw)
	if err != nil {
		return err
	}
	return c.Blob(resp.StatusCode, contentTypeOf(resp), resp.Body)
}

// Audio relays transcription requests to the primary provider without
// moderation.
func (h *Handler) Audio(c echo.Context) error {
	raw, _ := c.Get(ctxRawBody).([]byte)
	var req core.AudioRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return core.NewInvalidRequestError("request body is not valid JSON")
	}
	if err := req.Validate(); err != nil {
		return err
	}

	resp, err := h.primary.Forward(c.Request().Context(), http.MethodPost, "/audio/transcriptions", raw)
	if err != nil {
		return err
	}
	return c.Blob(resp.StatusCode, contentTypeOf(resp), resp.Body)
}

// Models relays the model listing from the primary provider.
func (h *Handler) Models(c echo.Context) error {
	resp, err := h.primary.Forward(c.Request().Context(), http.MethodGet, "/models", nil)
	if err != nil {
		return err
	}
	return c.Blob(resp.StatusCode, contentTypeOf(resp), resp.Body)
}

// Health reports liveness plus the primary breaker state.
func (h *Handler) Health(c echo.Context) error {
	body := map[string]any{
		"status":  "ok",
		"version": version.Version,
	}
	if h.breaker != nil {
		state := h.breaker.State()
		if state.Tripped {
			body["status"] = "degraded"
		}
		body["primary_breaker"] = map[string]any{
			"tripped":  state.Tripped,
			"failures": state.FailureCount,
		}
	}
	return c.JSON(http.StatusOK, body)
}

// reviewFailure shapes review-stage errors for the client. Reviewer
// replies and timeouts collapse into a generic 503 so reviewer internals
// never leak; breaker, verdict and configuration errors already carry
// their client form.
func reviewFailure(err error) error {
	ge := core.AsGatewayError(err)
	if ge.Upstream != nil || ge.Code == core.CodeRetryTimeout {
		return core.NewReviewUnavailableError(ge)
	}
	return ge
}

func setVerdictHeaders(h http.Header, v *moderation.Verdict) {
	if v == nil {
		return
	}
	h.Set(headerReviewID, v.LogID)
	h.Set(headerRiskLevel, strconv.Itoa(v.RiskLevel))
	if v.Partial {
		h.Set(headerReviewPartial, "true")
	}
}

func contentTypeOf(resp *upstream.Response) string {
	if ct := resp.Header.Get(echo.HeaderContentType); ct != "" {
		return ct
	}
	return echo.MIMEApplicationJSON
}
