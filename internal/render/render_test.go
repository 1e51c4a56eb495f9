package render

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRenderPostsAndParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req RenderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, 520, req.Width)
		json.NewEncoder(w).Encode(RenderResult{Status: "ok", Image: "YWJj"})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	res, err := c.Render(context.Background(), RenderRequest{HTML: "<p>hi</p>", Width: 520, Quality: 92, Format: "jpeg"})
	require.NoError(t, err)
	require.Equal(t, "ok", res.Status)
}

func TestDisplayWidthCountsCJKAsDouble(t *testing.T) {
	require.Equal(t, 6, DisplayWidth("ab"+"你好"))
}

func TestTruncateAppendsEllipsis(t *testing.T) {
	out := Truncate("hello world", 5)
	require.Contains(t, out, "...")
}
