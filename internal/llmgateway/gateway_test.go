package llmgateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nbot/orchestrator/internal/nberr"
	"github.com/stretchr/testify/require"
)

func TestChatCompletionsRejectsOversizedBodyBeforeNetwork(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	g := New(time.Second, DefaultRetryConfig())
	alias := ModelAlias{Provider: "openai", BaseURL: srv.URL, WireModel: "gpt-test", MaxRequestBytes: 10}

	_, err := g.ChatCompletions(context.Background(), alias, ChatRequest{
		Messages: []ChatMessage{{Role: "user", Content: json.RawMessage(`"hello there, this is long"`)}},
	})
	require.Error(t, err)
	k, ok := nberr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, nberr.RequestTooLarge, k)
	require.False(t, called)
}

func TestChatCompletionsParsesOpenAIResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"hi there"}}]}`))
	}))
	defer srv.Close()

	g := New(time.Second, DefaultRetryConfig())
	alias := ModelAlias{Provider: "openai", BaseURL: srv.URL, WireModel: "gpt-test", MaxRequestBytes: 1 << 20}

	resp, err := g.ChatCompletions(context.Background(), alias, ChatRequest{
		Messages: []ChatMessage{{Role: "user", Content: json.RawMessage(`"hi"`)}},
	})
	require.NoError(t, err)
	require.Equal(t, "hi there", resp.Content)
}

func TestAnthropicBodyHoistsSystemTurns(t *testing.T) {
	var gotAuth, gotVersion string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"content":[{"type":"text","text":"claude says hi"}]}`))
	}))
	defer srv.Close()

	g := New(time.Second, DefaultRetryConfig())
	alias := ModelAlias{Provider: "anthropic", BaseURL: srv.URL, APIKey: "sk-test", WireModel: "claude-test", MaxRequestBytes: 1 << 20}

	resp, err := g.ChatCompletions(context.Background(), alias, ChatRequest{
		Messages: []ChatMessage{
			{Role: "system", Content: json.RawMessage(`"be brief"`)},
			{Role: "user", Content: json.RawMessage(`"hi"`)},
		},
		MaxTokens: 128,
	})
	require.NoError(t, err)
	require.Equal(t, "claude says hi", resp.Content)

	require.Equal(t, "sk-test", gotAuth)
	require.Equal(t, "2023-06-01", gotVersion)
	require.Equal(t, "be brief", gotBody["system"])
	require.Equal(t, float64(128), gotBody["max_tokens"])
	messages := gotBody["messages"].([]any)
	require.Len(t, messages, 1)
}

func TestChatCompletionsMaps413ToRetryable(t *testing.T) {
	g := New(time.Second, RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond})
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		w.Write([]byte(`too large`))
	}))
	defer srv.Close()

	alias := ModelAlias{Provider: "openai", BaseURL: srv.URL, WireModel: "gpt-test", MaxRequestBytes: 1 << 20}
	_, err := g.ChatCompletions(context.Background(), alias, ChatRequest{
		Messages: []ChatMessage{{Role: "user", Content: json.RawMessage(`"hi"`)}},
	})
	require.Error(t, err)
	require.Equal(t, 2, attempts)
}
