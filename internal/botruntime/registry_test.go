package botruntime

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nbot/orchestrator/internal/nberr"
	"github.com/stretchr/testify/require"
)

func TestCallAPIResolvesOnEcho(t *testing.T) {
	r := New()
	sendCh := make(chan []byte, 1)
	r.Register("bot1", &BotConnection{OneBot: &OneBotConnection{Send: sendCh}})

	done := make(chan struct{})
	var resp json.RawMessage
	var callErr error
	go func() {
		resp, callErr = r.CallAPI(context.Background(), "bot1", "send_private_msg", map[string]any{"user_id": 1})
		close(done)
	}()

	frame := <-sendCh
	var decoded struct {
		Echo string `json:"echo"`
	}
	require.NoError(t, json.Unmarshal(frame, &decoded))
	require.True(t, strings.HasPrefix(decoded.Echo, "send_private_msg_"))

	require.False(t, r.ResolveEcho("other-bot", decoded.Echo, json.RawMessage(`{}`)))
	ok := r.ResolveEcho("bot1", decoded.Echo, json.RawMessage(`{"status":"ok"}`))
	require.True(t, ok)

	<-done
	require.NoError(t, callErr)
	require.JSONEq(t, `{"status":"ok"}`, string(resp))
}

func TestCallAPITimesOutAndRemovesPending(t *testing.T) {
	r := New()
	sendCh := make(chan []byte, 1)
	r.Register("bot1", &BotConnection{OneBot: &OneBotConnection{Send: sendCh}})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := r.CallAPI(ctx, "bot1", "get_status", nil)
	require.Error(t, err)

	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	require.Empty(t, r.pending)
}

func TestUnregisterFailsPendingRequests(t *testing.T) {
	r := New()
	sendCh := make(chan []byte, 1)
	r.Register("bot1", &BotConnection{OneBot: &OneBotConnection{Send: sendCh}})

	done := make(chan struct{})
	var callErr error
	go func() {
		_, callErr = r.CallAPI(context.Background(), "bot1", "get_status", nil)
		close(done)
	}()
	<-sendCh

	r.Unregister("bot1")
	<-done
	require.Error(t, callErr)
	k, _ := nberr.KindOf(callErr)
	require.Equal(t, nberr.Transport, k)
}

func TestCheckAndDedupFirstWinsWithinTTL(t *testing.T) {
	r := New()
	require.True(t, r.CheckAndDedup("bot1", "group1", "hello"))
	require.False(t, r.CheckAndDedup("bot1", "group1", "hello"))
	require.True(t, r.CheckAndDedup("bot1", "group1", "different"))
}

func TestDiscordMessageIndexEvictsOldest(t *testing.T) {
	r := New()
	r.IndexDiscordMessage("bot1", "m1", json.RawMessage(`{"id":"m1"}`))
	_, ok := r.LookupDiscordMessage("bot1", "m1")
	require.True(t, ok)

	for i := 2; i <= discordIndexCapacity+1; i++ {
		id := "m" + strconv.Itoa(i)
		r.IndexDiscordMessage("bot1", id, json.RawMessage(`{"id":"`+id+`"}`))
	}
	_, ok = r.LookupDiscordMessage("bot1", "m1")
	require.False(t, ok)
	payload, ok := r.LookupDiscordMessage("bot1", "m2")
	require.True(t, ok)
	require.JSONEq(t, `{"id":"m2"}`, string(payload))
}
