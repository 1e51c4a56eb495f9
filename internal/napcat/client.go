// Package napcat speaks the OneBot side-car's WebUI HTTP API: token-hash
// login and QQ login-status polling. The supervisor's monitor
// loop uses it to reconcile BotInstance.IsConnected with the side-car's
// actual logged-in state, and admin surfaces use it to fetch the QR code
// URL a bot owner scans to log in.
package napcat

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/nbot/orchestrator/internal/nberr"
)

// tokenSuffix is the fixed salt the WebUI appends before hashing.
const tokenSuffix = ".napcat"

// Client is an authenticated handle to one side-car's WebUI.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client

	mu         sync.Mutex
	credential string
}

// New creates a Client for the WebUI at baseURL (e.g. "http://127.0.0.1:6099")
// authenticating with token.
func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: baseURL, token: token, httpClient: httpClient}
}

// LoginHash returns the sha256 hex digest the WebUI expects:
// sha256(token + ".napcat").
func LoginHash(token string) string {
	sum := sha256.Sum256([]byte(token + tokenSuffix))
	return hex.EncodeToString(sum[:])
}

// Login exchanges the token hash for a bearer credential, caching it for
// subsequent calls.
func (c *Client) Login(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{"hash": LoginHash(c.token)})

	var parsed struct {
		Code int `json:"code"`
		Data struct {
			Credential string `json:"Credential"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/api/auth/login", "", body, &parsed); err != nil {
		return err
	}
	if parsed.Code != 0 || parsed.Data.Credential == "" {
		return nberr.New(nberr.AuthFailure, fmt.Sprintf("webui login rejected (code %d)", parsed.Code))
	}

	c.mu.Lock()
	c.credential = parsed.Data.Credential
	c.mu.Unlock()
	return nil
}

// LoginStatus is the side-car's QQ session state.
type LoginStatus struct {
	IsLogin   bool   `json:"isLogin"`
	QRCodeURL string `json:"qrcodeurl"`
}

// CheckLoginStatus reports whether the side-car's QQ account is logged in,
// logging in to the WebUI first (or again, on a stale credential) as needed.
func (c *Client) CheckLoginStatus(ctx context.Context) (LoginStatus, error) {
	cred := c.getCredential()
	if cred == "" {
		if err := c.Login(ctx); err != nil {
			return LoginStatus{}, err
		}
		cred = c.getCredential()
	}

	var status LoginStatus
	err := c.post(ctx, "/api/QQLogin/CheckLoginStatus", cred, []byte("{}"), &status)
	if kind, ok := nberr.KindOf(err); ok && (kind == nberr.HttpNonSuccess || kind == nberr.AuthFailure) {
		// Credential expired: re-login once and retry.
		if loginErr := c.Login(ctx); loginErr != nil {
			return LoginStatus{}, loginErr
		}
		err = c.post(ctx, "/api/QQLogin/CheckLoginStatus", c.getCredential(), []byte("{}"), &status)
	}
	return status, err
}

func (c *Client) getCredential() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.credential
}

func (c *Client) post(ctx context.Context, path, bearer string, body []byte, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nberr.Wrap(nberr.BadRequest, "build webui request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nberr.Wrap(nberr.Transport, "webui "+path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nberr.Wrap(nberr.Transport, "read webui response", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nberr.New(nberr.AuthFailure, "webui rejected credential for "+path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nberr.Http(resp.StatusCode, string(data))
	}
	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return nberr.Wrap(nberr.BadRequest, "decode webui response", err)
	}
	return nil
}
