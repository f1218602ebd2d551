//go:build e2e

package e2e

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modgate/config"
)

// harness is a dedicated gateway instance with its own providers, breaker
// and rate limit windows, for tests whose budgets must not leak into the
// shared TestMain gateway.
type harness struct {
	url      string
	reviewer *mockUpstream
	primary  *mockUpstream
}

// startGateway boots a gateway from environment overrides on top of the
// suite defaults. t.Setenv restores the TestMain environment afterwards.
func startGateway(t *testing.T, env map[string]string) *harness {
	t.Helper()

	h := &harness{
		reviewer: newMockReviewer(),
		primary:  newMockPrimary(),
	}
	t.Cleanup(h.reviewer.Close)
	t.Cleanup(h.primary.Close)

	t.Setenv("FIRST_PROVIDER_URL", h.reviewer.URL())
	t.Setenv("SECOND_PROVIDER_URL", h.primary.URL())
	t.Setenv("WHITELISTED_MODELS", "")
	t.Setenv("METRICS_ENABLED", "false")
	for k, v := range env {
		t.Setenv(k, v)
	}

	cfg, err := config.Load()
	require.NoError(t, err)

	srv, stop := newGatewayServer(cfg)
	t.Cleanup(stop)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	h.url = ts.URL
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	return doRequest(t, h.url, method, path, gatewayKey, body)
}

func TestChatRateLimitWindow(t *testing.T) {
	// A chat budget of two disables the fractional per-IP share, so the
	// route window is the binding tier.
	h := startGateway(t, map[string]string{"CHAT_RPM": "2"})

	for i := 0; i < 2; i++ {
		resp, raw := h.do(t, http.MethodPost, "/v1/chat/completions",
			chatPayload("within budget", false))
		require.Equal(t, http.StatusOK, resp.StatusCode, "request %d body: %s", i+1, raw)
	}

	resp, raw := h.do(t, http.MethodPost, "/v1/chat/completions",
		chatPayload("over budget", false))
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Reset"))

	errMap := decodeErrorBody(t, raw)
	assert.Equal(t, "rate_limit_exceeded", errMap["code"])
	tiers := errMap["details"].(map[string]any)["tiers"].(map[string]any)
	route := tiers["route"].(map[string]any)
	assert.Equal(t, float64(0), route["remaining"])

	assert.Equal(t, int64(2), h.primary.ChatHits.Load(),
		"the rejected request must not reach the provider")
}

func TestTemperatureRestrictedModels(t *testing.T) {
	// Retry stays enabled to show a temperature rejection never retries.
	h := startGateway(t, map[string]string{
		"ENABLE_RETRY":    "true",
		"MAX_RETRY_COUNT": "3",
	})

	t.Run("non-zero temperature rejected", func(t *testing.T) {
		resp, raw := h.do(t, http.MethodPost, "/v1/chat/completions", map[string]any{
			"model":       "o3-mini",
			"temperature": 0.7,
			"messages":    []map[string]string{{"role": "user", "content": "hi"}},
		})

		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		errMap := decodeErrorBody(t, raw)
		assert.Equal(t, "invalid_temperature", errMap["code"])
		assert.Contains(t, errMap["message"], "o3-mini")

		assert.Equal(t, int64(0), h.reviewer.ChatHits.Load(), "rejected before review")
		assert.Equal(t, int64(0), h.primary.ChatHits.Load(), "rejected before any attempt")
	})

	t.Run("zero temperature accepted", func(t *testing.T) {
		resp, raw := h.do(t, http.MethodPost, "/v1/chat/completions", map[string]any{
			"model":       "o3-mini",
			"temperature": 0,
			"messages":    []map[string]string{{"role": "user", "content": "hi"}},
		})
		require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)
	})

	t.Run("omitted temperature accepted", func(t *testing.T) {
		resp, raw := h.do(t, http.MethodPost, "/v1/chat/completions", map[string]any{
			"model":    "o3-mini",
			"messages": []map[string]string{{"role": "user", "content": "hi"}},
		})
		require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)
	})
}

func TestProviderBreakerTripsAndSheds(t *testing.T) {
	// Whitelisting keeps the reviewer out of the way, so every failure is
	// the primary's.
	h := startGateway(t, map[string]string{
		"MAX_PROVIDER_ERRORS":   "3",
		"PROVIDER_ERROR_WINDOW": "60000",
		"WHITELISTED_MODELS":    "gpt-4o",
	})
	h.primary.SetChatHandler(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, []byte(`{"error":{"message":"backend exploded"}}`))
	})

	// Four provider failures exceed the three-error window; each surfaces
	// as a 502 translation of the provider 500.
	for i := 0; i < 4; i++ {
		resp, raw := h.do(t, http.MethodPost, "/v1/chat/completions",
			chatPayload("will fail", false))
		require.Equal(t, http.StatusBadGateway, resp.StatusCode, "request %d body: %s", i+1, raw)
		errMap := decodeErrorBody(t, raw)
		assert.Equal(t, "upstream_error", errMap["code"])
	}

	// The fifth request is shed without a provider attempt.
	resp, raw := h.do(t, http.MethodPost, "/v1/chat/completions",
		chatPayload("shed me", false))
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	errMap := decodeErrorBody(t, raw)
	details := errMap["details"].(map[string]any)
	assert.Equal(t, true, details["circuit_breaker"])

	assert.Equal(t, int64(4), h.primary.ChatHits.Load(),
		"the breaker must stop the fifth attempt")

	// Health keeps answering 200 but reports the degraded state.
	healthResp, healthRaw := h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, healthResp.StatusCode)
	var health map[string]any
	require.NoError(t, json.Unmarshal(healthRaw, &health))
	assert.Equal(t, "degraded", health["status"])
	breakerState := health["primary_breaker"].(map[string]any)
	assert.Equal(t, true, breakerState["tripped"])
}
