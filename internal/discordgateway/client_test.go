package discordgateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{}

type fakeGateway struct {
	t *testing.T
	// script runs after the client identifies/resumes; returning ends the
	// session by closing the socket.
	script func(conn *websocket.Conn, identify Payload)
}

func (f *fakeGateway) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	hello, _ := json.Marshal(map[string]any{"op": OpHello, "d": map[string]any{"heartbeat_interval": 45000}})
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		return
	}

	// First client frame is IDENTIFY or RESUME.
	_, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	var identify Payload
	require.NoError(f.t, json.Unmarshal(data, &identify))

	f.script(conn, identify)
}

func writeDispatch(t *testing.T, conn *websocket.Conn, seq int64, eventType string, d any) {
	t.Helper()
	raw, err := json.Marshal(d)
	require.NoError(t, err)
	payload, err := json.Marshal(map[string]any{"op": OpDispatch, "s": seq, "t": eventType, "d": json.RawMessage(raw)})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRunOnceIdentifiesAndRecordsResumeState(t *testing.T) {
	var gotIdentify Payload
	fg := &fakeGateway{t: t, script: func(conn *websocket.Conn, identify Payload) {
		gotIdentify = identify
		writeDispatch(t, conn, 1, "READY", map[string]any{
			"session_id":         "sess-1",
			"resume_gateway_url": "wss://resume.example",
			"user":               map[string]any{"id": "botuser"},
		})
		writeDispatch(t, conn, 2, "MESSAGE_CREATE", map[string]any{
			"id": "m1", "channel_id": "c1", "content": "hi",
			"author": map[string]any{"id": "u1", "bot": false},
		})
	}}
	srv := httptest.NewServer(http.HandlerFunc(fg.handler))
	defer srv.Close()

	var readySelf string
	var messages []json.RawMessage
	client := New("token-123", Handlers{
		OnReady:         func(selfID, sessionID, resumeURL string) { readySelf = selfID },
		OnMessageCreate: func(raw json.RawMessage) { messages = append(messages, raw) },
	})
	client.gatewayURL = wsURL(srv)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	resume, err := client.RunOnce(ctx, nil)
	require.Error(t, err) // session ends with a transport error when the server closes

	require.Equal(t, OpIdentify, gotIdentify.Op)
	var identifyData struct {
		Token   string `json:"token"`
		Intents int    `json:"intents"`
		Properties struct {
			Browser string `json:"browser"`
		} `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(gotIdentify.D, &identifyData))
	require.Equal(t, "token-123", identifyData.Token)
	require.Equal(t, Intents, identifyData.Intents)
	require.Equal(t, "nBot", identifyData.Properties.Browser)

	require.Equal(t, "botuser", readySelf)
	require.Len(t, messages, 1)

	require.NotNil(t, resume)
	require.Equal(t, "sess-1", resume.SessionID)
	require.Equal(t, int64(2), resume.Seq)
}

func TestRunOnceFiltersBotAuthoredMessages(t *testing.T) {
	fg := &fakeGateway{t: t, script: func(conn *websocket.Conn, _ Payload) {
		writeDispatch(t, conn, 1, "MESSAGE_CREATE", map[string]any{
			"id": "m1", "author": map[string]any{"id": "u1", "bot": true},
		})
	}}
	srv := httptest.NewServer(http.HandlerFunc(fg.handler))
	defer srv.Close()

	var messages int
	client := New("tok", Handlers{OnMessageCreate: func(json.RawMessage) { messages++ }})
	client.gatewayURL = wsURL(srv)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _ = client.RunOnce(ctx, nil)
	require.Zero(t, messages)
}

func TestRunOnceSendsResumeWhenStatePresent(t *testing.T) {
	var first Payload
	fg := &fakeGateway{t: t, script: func(conn *websocket.Conn, identify Payload) {
		first = identify
	}}
	srv := httptest.NewServer(http.HandlerFunc(fg.handler))
	defer srv.Close()

	client := New("tok", Handlers{})
	client.gatewayURL = wsURL(srv)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _ = client.RunOnce(ctx, &ResumeState{SessionID: "sess-9", Seq: 41})

	require.Equal(t, OpResume, first.Op)
	var resumeData struct {
		SessionID string `json:"session_id"`
		Seq       int64  `json:"seq"`
	}
	require.NoError(t, json.Unmarshal(first.D, &resumeData))
	require.Equal(t, "sess-9", resumeData.SessionID)
	require.Equal(t, int64(41), resumeData.Seq)
}

func TestInvalidSessionNotResumableDropsState(t *testing.T) {
	fg := &fakeGateway{t: t, script: func(conn *websocket.Conn, _ Payload) {
		payload, _ := json.Marshal(map[string]any{"op": OpInvalidSession, "d": false})
		_ = conn.WriteMessage(websocket.TextMessage, payload)
		// Give the client a moment to process before the deferred close.
		time.Sleep(100 * time.Millisecond)
	}}
	srv := httptest.NewServer(http.HandlerFunc(fg.handler))
	defer srv.Close()

	client := New("tok", Handlers{})
	client.gatewayURL = wsURL(srv)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	resume, err := client.RunOnce(ctx, nil)
	require.Error(t, err)
	require.Nil(t, resume)
}
