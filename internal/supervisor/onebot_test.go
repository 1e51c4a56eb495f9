package supervisor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/nbot/orchestrator/internal/botruntime"
	"github.com/nbot/orchestrator/internal/bus"
	"github.com/nbot/orchestrator/internal/statestore"
)

var upgrader = websocket.Upgrader{}

// fakeOneBotServer echoes RPC frames back with {"status":"ok"} and, when
// pushEvent is non-empty, pushes it after every RPC response.
func fakeOneBotServer(t *testing.T, pushEvent string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame struct {
				Action string `json:"action"`
				Echo   string `json:"echo"`
			}
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			resp, _ := json.Marshal(map[string]any{"status": "ok", "echo": frame.Echo})
			if err := conn.WriteMessage(websocket.TextMessage, resp); err != nil {
				return
			}
			if pushEvent != "" {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(pushEvent)); err != nil {
					return
				}
			}
		}
	}))
}

func wsPortOf(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func startConnection(t *testing.T, srv *httptest.Server) (*botruntime.Registry, *bus.EventBus, context.CancelFunc) {
	t.Helper()
	store, err := statestore.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bot := &statestore.BotInstance{
		ID:          "bot1",
		Platform:    "onebot",
		IsRunning:   true,
		IsConnected: true,
		WsHost:      "127.0.0.1",
		WsPort:      wsPortOf(t, srv),
	}
	require.NoError(t, store.PutBot(bot))

	runtime := botruntime.New()
	eventBus := bus.NewEventBus(16)
	s := NewOneBotSupervisor(store, runtime, eventBus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.serveOnce(ctx, bot) }()

	require.Eventually(t, func() bool {
		_, ok := runtime.Get("bot1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	return runtime, eventBus, cancel
}

func TestOneBotRPCEchoRoundTrip(t *testing.T) {
	srv := fakeOneBotServer(t, "")
	defer srv.Close()

	runtime, _, cancel := startConnection(t, srv)
	defer cancel()

	ctx, rpcCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer rpcCancel()
	resp, err := runtime.CallAPI(ctx, "bot1", "send_private_msg", map[string]any{
		"user_id": "42", "message": "hello",
	})
	require.NoError(t, err)

	var parsed struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(resp, &parsed))
	require.Equal(t, "ok", parsed.Status)
}

func TestOneBotPushEventReachesBus(t *testing.T) {
	push, _ := json.Marshal(map[string]any{
		"post_type":    "message",
		"message_type": "group",
		"user_id":      12345,
		"group_id":     67890,
		"raw_message":  "hi there",
		"message":      []map[string]any{{"type": "text", "data": map[string]any{"text": "hi there"}}},
	})
	srv := fakeOneBotServer(t, string(push))
	defer srv.Close()

	runtime, eventBus, cancel := startConnection(t, srv)
	defer cancel()

	ctx, rpcCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer rpcCancel()
	_, err := runtime.CallAPI(ctx, "bot1", "get_status", nil)
	require.NoError(t, err)

	consumeCtx, consumeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer consumeCancel()
	ev, ok := eventBus.ConsumeInbound(consumeCtx)
	require.True(t, ok)
	require.Equal(t, bus.PostMessage, ev.PostType)
	require.Equal(t, "12345", ev.UserID)
	require.Equal(t, "67890", ev.GroupID)
	require.Equal(t, "hi there", ev.RawMessage)
	require.Equal(t, bus.PlatformOneBot, ev.Platform)
	require.Len(t, ev.Message, 1)
}

func TestConnectionUnregistersOnServerClose(t *testing.T) {
	srv := fakeOneBotServer(t, "")

	runtime, _, cancel := startConnection(t, srv)
	defer cancel()

	srv.Close()
	require.Eventually(t, func() bool {
		_, ok := runtime.Get("bot1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}
