package core

import (
	"encoding/json"
	"strings"
)

// Message roles accepted on the chat surface.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatRequest is the OpenAI-compatible chat completion request. Only the
// fields the gateway relays are modeled; unknown fields are dropped.
type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Stream         bool            `json:"stream,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat json.RawMessage `json:"response_format,omitempty"`
	Tools          json.RawMessage `json:"tools,omitempty"`
}

// Message is a single chat turn. Content is either a plain string or an
// ordered list of typed parts on the wire.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// ContentPart is one element of a multi-part message content.
type ContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL json.RawMessage `json:"image_url,omitempty"`
}

// MessageContent preserves the wire duality of content: a string or a part
// list. Exactly one of Text/Parts is meaningful, discriminated by IsParts.
type MessageContent struct {
	Text    string
	Parts   []ContentPart
	IsParts bool
}

// NewTextContent wraps a plain string as message content.
func NewTextContent(s string) MessageContent {
	return MessageContent{Text: s}
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		c.Parts = nil
		c.IsParts = false
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	c.Text = ""
	c.Parts = parts
	c.IsParts = true
	return nil
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.IsParts {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// PlainText flattens the content to text: part lists keep only text parts
// joined by newlines, strings pass through.
func (c MessageContent) PlainText() string {
	if !c.IsParts {
		return c.Text
	}
	texts := make([]string, 0, len(c.Parts))
	for _, p := range c.Parts {
		if p.Type == "text" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// ChatResponse is the unary chat completion reply.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice is a single completion candidate.
type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

// Usage reports token accounting from the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// FirstChoiceText returns the content of the first choice, or "".
func (r *ChatResponse) FirstChoiceText() string {
	if len(r.Choices) == 0 || r.Choices[0].Message == nil {
		return ""
	}
	return r.Choices[0].Message.Content.PlainText()
}

// ImageRequest is the image generation passthrough body.
type ImageRequest struct {
	Prompt string `json:"prompt"`
	N      int    `json:"n,omitempty"`
	Size   string `json:"size,omitempty"`
}

// imageSizes are the generation dimensions accepted on the surface.
var imageSizes = map[string]bool{
	"256x256":   true,
	"512x512":   true,
	"1024x1024": true,
}

// Validate checks the passthrough contract before relaying.
func (r *ImageRequest) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return NewInvalidRequestError("prompt is required")
	}
	if r.Size != "" && !imageSizes[r.Size] {
		return NewInvalidRequestError("size must be one of 256x256, 512x512, 1024x1024")
	}
	return nil
}

// AudioRequest is the audio transcription passthrough body.
type AudioRequest struct {
	Audio    string `json:"audio"`
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

// Validate checks the passthrough contract before relaying.
func (r *AudioRequest) Validate() error {
	if r.Audio == "" {
		return NewInvalidRequestError("audio is required")
	}
	if r.Model == "" {
		return NewInvalidRequestError("model is required")
	}
	return nil
}
