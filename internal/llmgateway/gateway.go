// Package llmgateway resolves a bot's logical model aliases to concrete
// provider endpoints and performs chat-completion and audio-transcription
// HTTP calls. A single gateway type calls providers directly by resolved
// endpoint rather than through a registered-provider abstraction, since
// resolution is per-bot.
package llmgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nbot/orchestrator/internal/nberr"
	"github.com/nbot/orchestrator/internal/tracing"
)

// ModelAlias is a per-bot configured mapping from a logical model name used
// by plugins to a concrete provider endpoint.
type ModelAlias struct {
	Provider       string // "openai" or "anthropic"
	BaseURL        string
	APIKey         string
	WireModel      string
	MaxRequestBytes int64
}

// ModuleState is the subset of a bot's "llm" module config the gateway
// needs to resolve aliases; callers supply their own concrete type that
// satisfies this shape via moduleconfig.
type ModuleState interface {
	ResolveModelAlias(alias string) (ModelAlias, bool)
}

// Resolve looks up alias in state, returning nberr.NotFound if unconfigured.
func Resolve(alias string, state ModuleState) (ModelAlias, error) {
	m, ok := state.ResolveModelAlias(alias)
	if !ok {
		return ModelAlias{}, nberr.New(nberr.NotFound, "unknown model alias: "+alias)
	}
	if m.MaxRequestBytes <= 0 {
		m.MaxRequestBytes = 20 * 1024 * 1024
	}
	return m, nil
}

// ChatRequest mirrors the OpenAI-compatible chat-completions wire shape;
// Anthropic requests are translated from this shape by toAnthropicBody.
type ChatRequest struct {
	Model    string          `json:"model"`
	Messages []ChatMessage   `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
	MaxTokens int            `json:"max_tokens,omitempty"`
}

// ChatMessage is one turn; Content may be a string or a slice of content
// parts (multi-modal), so it is carried as json.RawMessage.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ToolDefinition mirrors the OpenAI function-calling tool shape.
type ToolDefinition struct {
	Type     string         `json:"type"`
	Function map[string]any `json:"function"`
}

// ChatResponse is the subset of the response this gateway surfaces to
// callers.
type ChatResponse struct {
	Raw     json.RawMessage
	Content string
}

// Gateway performs HTTP calls against a resolved ModelAlias.
type Gateway struct {
	httpClient *http.Client
	retry      RetryConfig
}

// New creates a Gateway with the given timeout and retry policy.
func New(timeout time.Duration, retry RetryConfig) *Gateway {
	return &Gateway{httpClient: &http.Client{Timeout: timeout}, retry: retry}
}

// ChatCompletions posts req to alias's endpoint. If the pre-serialized
// body exceeds alias.MaxRequestBytes, it fails with RequestTooLarge before
// any network I/O.
func (g *Gateway) ChatCompletions(ctx context.Context, alias ModelAlias, req ChatRequest) (*ChatResponse, error) {
	req.Model = alias.WireModel

	body, err := buildWireBody(alias, req)
	if err != nil {
		return nil, nberr.Wrap(nberr.BadRequest, "marshal chat request", err)
	}
	if int64(len(body)) > alias.MaxRequestBytes {
		return nil, nberr.New(nberr.RequestTooLarge, fmt.Sprintf("request body %d bytes exceeds limit %d", len(body), alias.MaxRequestBytes))
	}

	ctx, span := tracing.StartSpan(ctx, "llm.chat_completions")
	span.SetAttributes(
		attribute.String("llm.provider", alias.Provider),
		attribute.String("llm.model", alias.WireModel),
		attribute.Int("llm.request_bytes", len(body)),
	)
	defer span.End()

	var resp *ChatResponse
	err = RetryDo(ctx, g.retry, func() error {
		r, callErr := g.doChatRequest(ctx, alias, body)
		if callErr != nil {
			return callErr
		}
		resp = r
		return nil
	})
	if err != nil {
		span.RecordError(err)
	}
	return resp, err
}

// buildWireBody serializes req for alias's provider: OpenAI-compatible
// endpoints take req as-is, Anthropic endpoints take the converted shape
// (system turns hoisted into the top-level system field, max_tokens
// mandatory).
func buildWireBody(alias ModelAlias, req ChatRequest) ([]byte, error) {
	if alias.Provider != "anthropic" {
		return json.Marshal(req)
	}
	return json.Marshal(toAnthropicBody(req))
}

func toAnthropicBody(req ChatRequest) map[string]any {
	var systemParts []string
	messages := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			var s string
			if err := json.Unmarshal(m.Content, &s); err == nil {
				systemParts = append(systemParts, s)
			}
			continue
		}
		messages = append(messages, map[string]any{"role": m.Role, "content": m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	body := map[string]any{
		"model":      req.Model,
		"messages":   messages,
		"max_tokens": maxTokens,
	}
	if len(systemParts) > 0 {
		body["system"] = strings.Join(systemParts, "\n\n")
	}
	return body
}

func (g *Gateway) doChatRequest(ctx context.Context, alias ModelAlias, body []byte) (*ChatResponse, error) {
	url := alias.BaseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, nberr.Wrap(nberr.BadRequest, "build chat request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	applyAuthHeaders(httpReq, alias)

	httpResp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, nberr.Wrap(nberr.Transport, "chat completions request", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, nberr.Wrap(nberr.Transport, "read chat completions response", err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, nberr.Http(httpResp.StatusCode, string(respBody))
	}

	content, err := extractContent(alias.Provider, respBody)
	if err != nil {
		return nil, err
	}
	return &ChatResponse{Raw: respBody, Content: content}, nil
}

func applyAuthHeaders(req *http.Request, alias ModelAlias) {
	switch alias.Provider {
	case "anthropic":
		req.Header.Set("x-api-key", alias.APIKey)
		req.Header.Set("anthropic-version", "2023-06-01")
	default:
		req.Header.Set("Authorization", "Bearer "+alias.APIKey)
	}
}

func extractContent(provider string, body []byte) (string, error) {
	if provider == "anthropic" {
		var parsed struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return "", nberr.Wrap(nberr.BadRequest, "decode anthropic response", err)
		}
		for _, part := range parsed.Content {
			if part.Type == "text" {
				return part.Text, nil
			}
		}
		return "", nil
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", nberr.Wrap(nberr.BadRequest, "decode chat response", err)
	}
	if len(parsed.Choices) == 0 {
		return "", nberr.New(nberr.BadRequest, "chat response has no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// AudioTranscription uploads the file at path as multipart form data to
// alias's audio transcription endpoint.
func (g *Gateway) AudioTranscription(ctx context.Context, alias ModelAlias, path, filename string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nberr.Wrap(nberr.BadRequest, "open audio file", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return "", nberr.Wrap(nberr.BadRequest, "create multipart field", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", nberr.Wrap(nberr.BadRequest, "copy audio into multipart", err)
	}
	_ = mw.WriteField("model", alias.WireModel)
	if err := mw.Close(); err != nil {
		return "", nberr.Wrap(nberr.BadRequest, "close multipart writer", err)
	}

	var transcript string
	err = RetryDo(ctx, g.retry, func() error {
		t, callErr := g.doTranscriptionRequest(ctx, alias, buf.Bytes(), mw.FormDataContentType())
		if callErr != nil {
			return callErr
		}
		transcript = t
		return nil
	})
	return transcript, err
}

func (g *Gateway) doTranscriptionRequest(ctx context.Context, alias ModelAlias, body []byte, contentType string) (string, error) {
	url := alias.BaseURL + "/audio/transcriptions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", nberr.Wrap(nberr.BadRequest, "build transcription request", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	applyAuthHeaders(httpReq, alias)

	httpResp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return "", nberr.Wrap(nberr.Transport, "transcription request", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", nberr.Wrap(nberr.Transport, "read transcription response", err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return "", nberr.Http(httpResp.StatusCode, string(respBody))
	}

	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", nberr.Wrap(nberr.BadRequest, "decode transcription response", err)
	}
	return parsed.Text, nil
}
