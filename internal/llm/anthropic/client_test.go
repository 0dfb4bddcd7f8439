package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Mosaic-Protocol/internal/llm"
)

func TestNewClientDefaultsModel(t *testing.T) {
	client, err := NewClient(Config{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, sdk.ModelClaudeSonnet4_20250514, client.Model())
}

func TestNewClientRequiresKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := NewClient(Config{})
	assert.Error(t, err)
}

func TestGenerateAgainstFakeServer(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":          "msg_1",
			"type":        "message",
			"role":        "assistant",
			"model":       "claude-sonnet-4-20250514",
			"stop_reason": "end_turn",
			"content":     []map[string]any{{"type": "text", "text": "synthesized answer"}},
			"usage":       map[string]any{"input_tokens": 10, "output_tokens": 5},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	resp, err := client.Generate(context.Background(), llm.Request{System: "be brief", Prompt: "combine"})
	require.NoError(t, err)
	assert.Equal(t, "synthesized answer", resp.Text)
	assert.Equal(t, 15, resp.TokensUsed())
	assert.Equal(t, "be brief", body["system"].([]any)[0].(map[string]any)["text"])
}
