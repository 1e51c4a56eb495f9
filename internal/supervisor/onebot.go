// Package supervisor owns the reconciliation loops that keep live
// connections in sync with statestore.BotInstance records: a OneBot
// WebSocket loop per bot, and a Discord Gateway loop per bot. Each
// transport runs its own connect-retry-reconcile loop.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nbot/orchestrator/internal/botruntime"
	"github.com/nbot/orchestrator/internal/bus"
	"github.com/nbot/orchestrator/internal/statestore"
)

const (
	oneBotReconcileTick = 2 * time.Second
	oneBotMetaTick      = 1 * time.Second
	dialTimeout         = 5 * time.Second
)

// OneBotSupervisor dials and maintains one WebSocket connection per
// OneBot-platform bot, reconciling against the statestore every tick.
type OneBotSupervisor struct {
	store    *statestore.Store
	runtime  *botruntime.Registry
	bus      *bus.EventBus
	metaHook func(ctx context.Context, botID string)

	activeMu sync.Mutex
	active   map[string]context.CancelFunc
}

// NewOneBotSupervisor creates a supervisor bound to store, runtime, and
// the shared inbound event bus. metaHook is invoked every 1s per connected
// bot to drive the allowlisted onMetaEvent plugin.
func NewOneBotSupervisor(store *statestore.Store, runtime *botruntime.Registry, b *bus.EventBus, metaHook func(context.Context, string)) *OneBotSupervisor {
	return &OneBotSupervisor{store: store, runtime: runtime, bus: b, metaHook: metaHook, active: make(map[string]context.CancelFunc)}
}

// Run reconciles connections against the statestore every 2s until ctx is
// canceled.
func (s *OneBotSupervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(oneBotReconcileTick)
	defer ticker.Stop()

	s.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

func (s *OneBotSupervisor) reconcile(ctx context.Context) {
	bots := s.store.ListBots("")
	seen := make(map[string]struct{}, len(bots))

	s.activeMu.Lock()
	defer s.activeMu.Unlock()

	for i := range bots {
		b := &bots[i]
		// The monitor owns is_connected: a worker exists only while the
		// side-car reports a logged-in session.
		if b.Platform != "onebot" || !b.IsConnected || b.WsPort == 0 {
			continue
		}
		seen[b.ID] = struct{}{}
		if _, running := s.active[b.ID]; running {
			continue
		}
		connCtx, cancel := context.WithCancel(ctx)
		s.active[b.ID] = cancel
		go s.runConnection(connCtx, b)
	}

	for id, cancel := range s.active {
		if _, ok := seen[id]; !ok {
			cancel()
			delete(s.active, id)
		}
	}
}

func (s *OneBotSupervisor) runConnection(ctx context.Context, bot *statestore.BotInstance) {
	defer func() {
		s.activeMu.Lock()
		delete(s.active, bot.ID)
		s.activeMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Close/error just ends this attempt; the next tick re-dials for
		// as long as the monitor keeps is_connected set.
		_ = s.serveOnce(ctx, bot)

		select {
		case <-ctx.Done():
			return
		case <-time.After(oneBotReconcileTick):
		}
	}
}

func (s *OneBotSupervisor) serveOnce(ctx context.Context, bot *statestore.BotInstance) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	host := bot.WsHost
	if host == "" {
		host = "127.0.0.1"
	}
	url := fmt.Sprintf("ws://%s:%d", host, bot.WsPort)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sendCh := make(chan []byte, 64)
	oc := &botruntime.OneBotConnection{Send: sendCh}
	s.runtime.Register(bot.ID, &botruntime.BotConnection{OneBot: oc})
	defer s.runtime.Unregister(bot.ID)

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	go s.writer(connCtx, conn, sendCh)
	go s.metaTicker(connCtx, bot.ID)

	return s.reader(connCtx, bot.ID, conn)
}

func (s *OneBotSupervisor) writer(ctx context.Context, conn *websocket.Conn, sendCh chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-sendCh:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (s *OneBotSupervisor) reader(ctx context.Context, botID string, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleFrame(ctx, botID, data)
	}
}

func (s *OneBotSupervisor) handleFrame(ctx context.Context, botID string, data []byte) {
	var envelope struct {
		Echo string `json:"echo"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Echo != "" {
		if s.runtime.ResolveEcho(botID, envelope.Echo, data) {
			return
		}
	}

	ev, ok := normalizeOneBotFrame(botID, data)
	if !ok {
		return
	}
	s.bus.PublishInbound(ctx, ev)
}

func (s *OneBotSupervisor) metaTicker(ctx context.Context, botID string) {
	if s.metaHook == nil {
		return
	}
	ticker := time.NewTicker(oneBotMetaTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.metaHook(ctx, botID)
		}
	}
}

// normalizeOneBotFrame converts a raw OneBot v11 push event into a
// NormalizedEvent.
func normalizeOneBotFrame(botID string, data []byte) (bus.NormalizedEvent, bool) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return bus.NormalizedEvent{}, false
	}
	postType, _ := raw["post_type"].(string)
	if postType == "" {
		return bus.NormalizedEvent{}, false
	}

	ev := bus.NormalizedEvent{
		PostType: bus.PostType(postType),
		Platform: bus.PlatformOneBot,
		BotID:    botID,
		Raw:      raw,
	}
	if uid, ok := raw["user_id"]; ok {
		ev.UserID = fmt.Sprintf("%v", uid)
	}
	if gid, ok := raw["group_id"]; ok {
		ev.GroupID = fmt.Sprintf("%v", gid)
	}
	if mt, ok := raw["message_type"].(string); ok {
		ev.MessageType = bus.PeerKind(mt)
	}
	if nt, ok := raw["notice_type"].(string); ok {
		ev.NoticeType = nt
	}
	if met, ok := raw["meta_event_type"].(string); ok {
		ev.MetaEventType = met
	}
	if rawMsg, ok := raw["raw_message"].(string); ok {
		ev.RawMessage = rawMsg
	}
	if segs, ok := raw["message"].([]any); ok {
		ev.Message = normalizeOneBotSegments(segs)
	}
	return ev, true
}

func normalizeOneBotSegments(segs []any) []bus.Segment {
	out := make([]bus.Segment, 0, len(segs))
	for _, s := range segs {
		m, ok := s.(map[string]any)
		if !ok {
			continue
		}
		typ, _ := m["type"].(string)
		data, _ := m["data"].(map[string]any)
		out = append(out, bus.Segment{Type: bus.SegmentType(typ), Data: data})
	}
	return out
}
