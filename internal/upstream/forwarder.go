package upstream

import (
	"context"
	"io"
	"strings"

	"modgate/internal/core"
)

// defaultMaxTokens is applied when the client omits max_tokens.
const defaultMaxTokens = 4096

// Forwarder shapes validated client requests for the primary provider.
// Only a fixed set of fields is relayed; everything else the client sent
// is dropped here.
type Forwarder struct {
	client *Client
}

// NewForwarder creates a forwarder over the primary client.
func NewForwarder(client *Client) *Forwarder {
	return &Forwarder{client: client}
}

// BuildRelayRequest validates req and returns the request actually sent
// upstream: model, messages, stream, temperature, max_tokens,
// response_format and tools, with max_tokens defaulted.
//
// Models whose name contains "o3" accept only temperature 0; any other
// value fails with invalid_temperature before a single upstream attempt.
func BuildRelayRequest(req *core.ChatRequest) (*core.ChatRequest, error) {
	if strings.Contains(strings.ToLower(req.Model), "o3") &&
		req.Temperature != nil && *req.Temperature != 0 {
		return nil, core.NewInvalidTemperatureError(req.Model)
	}

	relay := &core.ChatRequest{
		Model:          req.Model,
		Messages:       req.Messages,
		Stream:         req.Stream,
		Temperature:    req.Temperature,
		MaxTokens:      req.MaxTokens,
		ResponseFormat: req.ResponseFormat,
		Tools:          req.Tools,
	}
	if relay.MaxTokens <= 0 {
		relay.MaxTokens = defaultMaxTokens
	}
	return relay, nil
}

// Complete sends a unary chat request to the primary provider.
func (f *Forwarder) Complete(ctx context.Context, relay *core.ChatRequest) (*Response, error) {
	relay.Stream = false
	return f.client.ChatCompletion(ctx, relay)
}

// Stream establishes a streaming chat request against the primary
// provider and hands the raw event stream to the caller.
func (f *Forwarder) Stream(ctx context.Context, relay *core.ChatRequest) (io.ReadCloser, error) {
	relay.Stream = true
	return f.client.StreamChatCompletion(ctx, relay)
}
