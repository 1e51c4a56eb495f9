// Package render talks to the external HTML-to-PNG render service
// (reached via WKHTMLTOIMAGE_URL) and provides CJK-aware width
// measurement for laying out rendered text via mattn/go-runewidth.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/nbot/orchestrator/internal/nberr"
)

// Client talks to the render service's POST /render endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client bound to baseURL (config.RenderConfig.BaseURL).
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), httpClient: httpClient}
}

// RenderRequest is the request body for POST /render.
type RenderRequest struct {
	HTML    string `json:"html"`
	Width   int    `json:"width"`
	Quality int    `json:"quality"`
	Format  string `json:"format"` // "jpeg" or "png"
}

// RenderResult is the response body: either an image (base64 in
// Image) or a failure Message.
type RenderResult struct {
	Status  string `json:"status"`
	Image   string `json:"image,omitempty"`
	Message string `json:"message,omitempty"`
}

// Render posts req to the render service and returns its parsed result.
func (c *Client) Render(ctx context.Context, req RenderRequest) (*RenderResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, nberr.Wrap(nberr.BadRequest, "marshal render request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/render", bytes.NewReader(body))
	if err != nil {
		return nil, nberr.Wrap(nberr.BadRequest, "build render request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, nberr.Wrap(nberr.Transport, "render request", err)
	}
	defer resp.Body.Close()

	var result RenderResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, nberr.Wrap(nberr.BadRequest, "decode render response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nberr.Http(resp.StatusCode, result.Message)
	}
	return &result, nil
}

// RenderMarkdownImage renders markdown source to an image at the given
// width, wrapping it in a minimal HTML shell the render service expects.
func (c *Client) RenderMarkdownImage(ctx context.Context, markdown string, width, quality int) (*RenderResult, error) {
	html := "<html><body><pre style=\"white-space:pre-wrap;font-family:sans-serif\">" + escapeHTML(markdown) + "</pre></body></html>"
	return c.Render(ctx, RenderRequest{HTML: html, Width: width, Quality: quality, Format: "png"})
}

func escapeHTML(s string) string {
	replacer := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return replacer.Replace(s)
}

// DisplayWidth returns the CJK-aware rendered width of s, used to lay out
// title/body boxes before handing them to the render service.
func DisplayWidth(s string) int {
	return runewidth.StringWidth(s)
}

// Truncate shortens s to at most maxWidth display columns, appending an
// ellipsis if truncated.
func Truncate(s string, maxWidth int) string {
	if runewidth.StringWidth(s) <= maxWidth {
		return s
	}
	return runewidth.Truncate(s, maxWidth, "...")
}
