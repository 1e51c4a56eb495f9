package llmpipeline

import (
	"context"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/nbot/orchestrator/internal/nberr"
)

const (
	minTimeoutMs = 1000
	maxTimeoutMs = 120000
	minMaxBytes  = 1024
	maxMaxBytes  = 50 * 1024 * 1024

	minMaxChars = 1000
	maxMaxChars = 200000
)

func clampTimeoutMs(v int) int {
	if v < minTimeoutMs {
		return minTimeoutMs
	}
	if v > maxTimeoutMs {
		return maxTimeoutMs
	}
	return v
}

func clampMaxBytes(v int64) int64 {
	if v < minMaxBytes {
		return minMaxBytes
	}
	if v > maxMaxBytes {
		return maxMaxBytes
	}
	return v
}

func clampMaxChars(v int) int {
	if v < minMaxChars {
		return minMaxChars
	}
	if v > maxMaxChars {
		return maxMaxChars
	}
	return v
}

// downloadToMemory fetches url, enforcing a clamped timeout and max byte
// ceiling.
func downloadToMemory(ctx context.Context, client *http.Client, url string, timeoutMs int, maxBytes int64) ([]byte, error) {
	dlCtx, cancel := context.WithTimeout(ctx, time.Duration(clampTimeoutMs(timeoutMs))*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nberr.Wrap(nberr.BadRequest, "build download request", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, nberr.Wrap(nberr.Transport, "download "+url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nberr.Http(resp.StatusCode, "")
	}

	limit := clampMaxBytes(maxBytes)
	limited := io.LimitReader(resp.Body, limit+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, nberr.Wrap(nberr.Transport, "read download body", err)
	}
	if int64(len(data)) > limit {
		return nil, nberr.New(nberr.RequestTooLarge, "downloaded content exceeds max_bytes")
	}
	return data, nil
}

// truncateCodepoints truncates s to at most maxChars codepoints, reporting
// whether truncation occurred.
func truncateCodepoints(s string, maxChars int) (string, bool) {
	if utf8.RuneCountInString(s) <= maxChars {
		return s, false
	}
	runes := []rune(s)
	return string(runes[:maxChars]), true
}
