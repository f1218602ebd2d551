// Package upstream is the HTTP transport to the two providers. A Client
// speaks the OpenAI wire shape, preserves provider error envelopes for the
// formatter, feeds the shared circuit breaker, and runs the bounded retry
// loop for primary calls. Streaming requests retry only until the stream
// is established; after that no byte has been replayed.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"modgate/internal/breaker"
	"modgate/internal/core"
	"modgate/internal/httpclient"
)

const endpointChat = "/chat/completions"

// RequestInfo describes a provider call for observability hooks.
type RequestInfo struct {
	Provider string // "moderation" or "primary"
	Model    string
	Endpoint string
	Method   string
	Stream   bool
}

// ResponseInfo describes a finished provider call. For streaming calls the
// duration covers establishment, not the stream lifetime.
type ResponseInfo struct {
	RequestInfo
	StatusCode int // 0 on network errors
	Duration   time.Duration
	Err        error
}

// Hooks are observability callbacks invoked once per logical call, not per
// retry attempt, so counts and durations reflect what the caller saw.
type Hooks struct {
	OnRequestStart func(ctx context.Context, info RequestInfo) context.Context
	OnRequestEnd   func(ctx context.Context, info ResponseInfo)
}

func (h Hooks) start(ctx context.Context, info RequestInfo) context.Context {
	if h.OnRequestStart != nil {
		return h.OnRequestStart(ctx, info)
	}
	return ctx
}

func (h Hooks) end(ctx context.Context, info ResponseInfo) {
	if h.OnRequestEnd != nil {
		h.OnRequestEnd(ctx, info)
	}
}

// Config assembles a provider client.
type Config struct {
	Provider string // label used in errors and metrics
	BaseURL  string
	APIKey   string

	// Breaker, when set, gates chat calls and receives one failure per
	// failed attempt. The moderation and primary clients share one
	// breaker instance.
	Breaker *breaker.Breaker

	// Retry applies to chat calls only; passthrough forwards never retry.
	Retry RetryPolicy

	// AttemptTimeout caps each unary attempt. Streams are exempt: their
	// only bound is the relay's inactivity watchdog.
	AttemptTimeout time.Duration

	Hooks      Hooks
	HTTPClient *http.Client // defaults to httpclient.New(nil)
}

// Client is the transport for one provider.
type Client struct {
	provider       string
	baseURL        string
	apiKey         string
	breaker        *breaker.Breaker
	retry          RetryPolicy
	attemptTimeout time.Duration
	hooks          Hooks
	http           *http.Client
	now            func() time.Time
}

// NewClient creates a provider client.
func NewClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = httpclient.New(nil)
	}
	return &Client{
		provider:       cfg.Provider,
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:         cfg.APIKey,
		breaker:        cfg.Breaker,
		retry:          cfg.Retry,
		attemptTimeout: cfg.AttemptTimeout,
		hooks:          cfg.Hooks,
		http:           hc,
		now:            time.Now,
	}
}

// Provider returns the client's provider label.
func (c *Client) Provider() string { return c.provider }

// Response is a verbatim provider reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ChatCompletion performs a unary chat call under the breaker and the
// retry policy. The returned body is the provider's JSON untouched.
func (c *Client) ChatCompletion(ctx context.Context, req *core.ChatRequest) (*Response, error) {
	start := c.now()
	info := RequestInfo{
		Provider: c.provider,
		Model:    req.Model,
		Endpoint: endpointChat,
		Method:   http.MethodPost,
	}
	ctx = c.hooks.start(ctx, info)

	resp, err := c.chat(ctx, req, info)
	c.hooks.end(ctx, ResponseInfo{
		RequestInfo: info,
		StatusCode:  statusOf(resp, err),
		Duration:    c.now().Sub(start),
		Err:         err,
	})
	return resp, err
}

func (c *Client) chat(ctx context.Context, req *core.ChatRequest, info RequestInfo) (*Response, error) {
	if c.breaker != nil && !c.breaker.Allow() {
		return nil, core.NewBreakerOpenError(c.provider)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, core.NewInternalError(err)
	}

	return withRetry(ctx, c.retry, c.now, func(ctx context.Context) (*Response, error) {
		return c.attempt(ctx, http.MethodPost, endpointChat, body)
	})
}

// StreamChatCompletion establishes a streaming chat call. Establishment
// failures follow the same breaker and retry rules as unary calls; once
// the reader is returned the caller owns it and must close it.
func (c *Client) StreamChatCompletion(ctx context.Context, req *core.ChatRequest) (io.ReadCloser, error) {
	start := c.now()
	info := RequestInfo{
		Provider: c.provider,
		Model:    req.Model,
		Endpoint: endpointChat,
		Method:   http.MethodPost,
		Stream:   true,
	}
	ctx = c.hooks.start(ctx, info)

	rc, status, err := c.stream(ctx, req)
	c.hooks.end(ctx, ResponseInfo{
		RequestInfo: info,
		StatusCode:  status,
		Duration:    c.now().Sub(start),
		Err:         err,
	})
	return rc, err
}

func (c *Client) stream(ctx context.Context, req *core.ChatRequest) (io.ReadCloser, int, error) {
	if c.breaker != nil && !c.breaker.Allow() {
		return nil, http.StatusServiceUnavailable, core.NewBreakerOpenError(c.provider)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, 0, core.NewInternalError(err)
	}

	rc, err := withRetry(ctx, c.retry, c.now, func(ctx context.Context) (io.ReadCloser, error) {
		return c.streamAttempt(ctx, body)
	})
	if err != nil {
		var ge *core.GatewayError
		if errors.As(err, &ge) && ge.Upstream != nil {
			return nil, ge.Upstream.StatusCode, err
		}
		return nil, 0, err
	}
	return rc, http.StatusOK, nil
}

// Forward relays a passthrough request (images, audio, models) in a
// single attempt. No breaker or retry involvement: passthrough routes
// reuse only the rate limiter and the error formatter.
func (c *Client) Forward(ctx context.Context, method, endpoint string, body []byte) (*Response, error) {
	start := c.now()
	info := RequestInfo{
		Provider: c.provider,
		Model:    "unknown",
		Endpoint: endpoint,
		Method:   method,
	}
	ctx = c.hooks.start(ctx, info)

	attemptCtx := ctx
	if c.attemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, c.attemptTimeout)
		defer cancel()
	}

	resp, err := c.send(attemptCtx, ctx, method, endpoint, body, false)
	c.hooks.end(ctx, ResponseInfo{
		RequestInfo: info,
		StatusCode:  statusOf(resp, err),
		Duration:    c.now().Sub(start),
		Err:         err,
	})
	return resp, err
}

// attempt performs one unary try under the per-attempt deadline, counting
// any failure against the breaker.
func (c *Client) attempt(parent context.Context, method, endpoint string, body []byte) (*Response, error) {
	ctx := parent
	if c.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, c.attemptTimeout)
		defer cancel()
	}
	return c.send(ctx, parent, method, endpoint, body, true)
}

// send performs one HTTP exchange. parent distinguishes client
// cancellation from the attempt deadline; record routes failures to the
// breaker.
func (c *Client) send(ctx, parent context.Context, method, endpoint string, body []byte, record bool) (*Response, error) {
	httpReq, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if parent.Err() != nil && errors.Is(parent.Err(), context.Canceled) {
			// Client went away; not a provider failure.
			return nil, parent.Err()
		}
		if record {
			c.recordFailure()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, core.NewTimeoutError(c.provider, err)
		}
		return nil, core.NewNetworkError(c.provider, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if record {
			c.recordFailure()
		}
		return nil, core.NewNetworkError(c.provider, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if record {
			c.recordFailure()
		}
		return nil, core.NewUpstreamError(c.provider, &core.UpstreamResponse{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Header:     resp.Header.Clone(),
			Body:       respBody,
		})
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       respBody,
	}, nil
}

// streamAttempt establishes one streaming try. Non-2xx replies are fully
// buffered so the provider's error envelope survives into the error.
func (c *Client) streamAttempt(ctx context.Context, body []byte) (io.ReadCloser, error) {
	httpReq, err := c.newRequest(ctx, http.MethodPost, endpointChat, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		c.recordFailure()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, core.NewTimeoutError(c.provider, err)
		}
		return nil, core.NewNetworkError(c.provider, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			respBody = []byte("failed to read error response")
		}
		c.recordFailure()
		return nil, core.NewUpstreamError(c.provider, &core.UpstreamResponse{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Header:     resp.Header.Clone(),
			Body:       respBody,
		})
	}

	return resp.Body, nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, core.NewInternalError(err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return httpReq, nil
}

func (c *Client) recordFailure() {
	if c.breaker != nil {
		c.breaker.RecordFailure()
	}
}

func statusOf(resp *Response, err error) int {
	if resp != nil {
		return resp.StatusCode
	}
	var ge *core.GatewayError
	if errors.As(err, &ge) {
		if ge.Upstream != nil {
			return ge.Upstream.StatusCode
		}
		if ge.Code == core.CodeServiceUnavailable && ge.Unwrap() != nil {
			return 0 // network error, no status reached us
		}
		return ge.StatusCode
	}
	return 0
}
