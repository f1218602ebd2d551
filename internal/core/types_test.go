package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageContentUnmarshal(t *testing.T) {
	t.Run("string content", func(t *testing.T) {
		var m Message
		require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":"hello"}`), &m))
		assert.False(t, m.Content.IsParts)
		assert.Equal(t, "hello", m.Content.PlainText())
	})

	t.Run("part list content", func(t *testing.T) {
		var m Message
		require.NoError(t, json.Unmarshal([]byte(`{
			"role": "user",
			"content": [
				{"type": "text", "text": "describe this"},
				{"type": "image_url", "image_url": {"url": "https://example.com/cat.png"}},
				{"type": "text", "text": "in detail"}
			]
		}`), &m))
		assert.True(t, m.Content.IsParts)
		assert.Len(t, m.Content.Parts, 3)
		assert.Equal(t, "describe this\nin detail", m.Content.PlainText())
	})

	t.Run("invalid content", func(t *testing.T) {
		var m Message
		assert.Error(t, json.Unmarshal([]byte(`{"role":"user","content":42}`), &m))
	})
}

func TestMessageContentMarshalRoundTrip(t *testing.T) {
	t.Run("string stays a string", func(t *testing.T) {
		b, err := json.Marshal(Message{Role: RoleUser, Content: NewTextContent("hi")})
		require.NoError(t, err)
		assert.JSONEq(t, `{"role":"user","content":"hi"}`, string(b))
	})

	t.Run("parts stay a list", func(t *testing.T) {
		var m Message
		in := `{"role":"user","content":[{"type":"text","text":"a"}]}`
		require.NoError(t, json.Unmarshal([]byte(in), &m))
		b, err := json.Marshal(m)
		require.NoError(t, err)
		assert.JSONEq(t, in, string(b))
	})
}

func TestChatRequestTemperaturePointer(t *testing.T) {
	t.Run("absent temperature is nil", func(t *testing.T) {
		var req ChatRequest
		require.NoError(t, json.Unmarshal([]byte(`{"model":"gpt-4","messages":[]}`), &req))
		assert.Nil(t, req.Temperature)
	})

	t.Run("zero temperature is present", func(t *testing.T) {
		var req ChatRequest
		require.NoError(t, json.Unmarshal([]byte(`{"model":"o3-mini","messages":[],"temperature":0}`), &req))
		require.NotNil(t, req.Temperature)
		assert.Equal(t, 0.0, *req.Temperature)
	})
}

func TestFirstChoiceText(t *testing.T) {
	var resp ChatResponse
	require.NoError(t, json.Unmarshal([]byte(`{
		"id": "chatcmpl-1",
		"choices": [{"index":0,"message":{"role":"assistant","content":"{\"isViolation\":false,\"riskLevel\":1}"}}]
	}`), &resp))
	assert.Equal(t, `{"isViolation":false,"riskLevel":1}`, resp.FirstChoiceText())

	empty := ChatResponse{}
	assert.Equal(t, "", empty.FirstChoiceText())
}

func TestImageRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     ImageRequest
		wantErr bool
	}{
		{"valid with size", ImageRequest{Prompt: "a cat", Size: "512x512"}, false},
		{"valid without size", ImageRequest{Prompt: "a cat"}, false},
		{"missing prompt", ImageRequest{Size: "512x512"}, true},
		{"blank prompt", ImageRequest{Prompt: "   "}, true},
		{"bad size", ImageRequest{Prompt: "a cat", Size: "640x480"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAudioRequestValidate(t *testing.T) {
	assert.NoError(t, (&AudioRequest{Audio: "b64data", Model: "whisper-1"}).Validate())
	assert.Error(t, (&AudioRequest{Model: "whisper-1"}).Validate())
	assert.Error(t, (&AudioRequest{Audio: "b64data"}).Validate())
}
