package napcat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoginHashMatchesKnownDigest(t *testing.T) {
	// sha256("secret.napcat")
	require.Equal(t, "2f46dd3e88247a09cf4cb34c07ec6c857e53a08dd3e7f05b3830ff2082934098", LoginHash("secret"))
	require.Len(t, LoginHash(""), 64)
}

func TestCheckLoginStatusLogsInFirst(t *testing.T) {
	var loginHash string
	var sawBearer string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/login":
			var body struct {
				Hash string `json:"hash"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			loginHash = body.Hash
			_ = json.NewEncoder(w).Encode(map[string]any{
				"code": 0,
				"data": map[string]string{"Credential": "cred-123"},
			})
		case "/api/QQLogin/CheckLoginStatus":
			sawBearer = r.Header.Get("Authorization")
			_ = json.NewEncoder(w).Encode(map[string]any{"isLogin": true, "qrcodeurl": ""})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", srv.Client())
	status, err := c.CheckLoginStatus(context.Background())
	require.NoError(t, err)
	require.True(t, status.IsLogin)
	require.Equal(t, LoginHash("tok"), loginHash)
	require.Equal(t, "Bearer cred-123", sawBearer)
}

func TestCheckLoginStatusReloginsOnStaleCredential(t *testing.T) {
	logins := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/login":
			logins++
			_ = json.NewEncoder(w).Encode(map[string]any{
				"code": 0,
				"data": map[string]string{"Credential": "cred-" + string(rune('0'+logins))},
			})
		case "/api/QQLogin/CheckLoginStatus":
			if r.Header.Get("Authorization") != "Bearer cred-2" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"isLogin": false, "qrcodeurl": "https://qr"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", srv.Client())
	status, err := c.CheckLoginStatus(context.Background())
	require.NoError(t, err)
	require.False(t, status.IsLogin)
	require.Equal(t, "https://qr", status.QRCodeURL)
	require.Equal(t, 2, logins)
}

func TestLoginRejectsNonZeroCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 1, "data": map[string]string{}})
	}))
	defer srv.Close()

	c := New(srv.URL, "bad", srv.Client())
	require.Error(t, c.Login(context.Background()))
}
