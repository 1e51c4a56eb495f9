package supervisor

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/nbot/orchestrator/internal/botruntime"
	"github.com/nbot/orchestrator/internal/bus"
	"github.com/nbot/orchestrator/internal/discordgateway"
	"github.com/nbot/orchestrator/internal/statestore"
)

const discordReconcileTick = 2 * time.Second

// DiscordSupervisor wraps discordgateway.Client with the reconnect/backoff
// loop and reconciles against the statestore the same way OneBotSupervisor
// does, persisting is_connected flips.
type DiscordSupervisor struct {
	store   *statestore.Store
	runtime *botruntime.Registry
	bus     *bus.EventBus

	activeMu sync.Mutex
	active   map[string]context.CancelFunc
}

// NewDiscordSupervisor creates a supervisor for Discord-platform bots.
func NewDiscordSupervisor(store *statestore.Store, runtime *botruntime.Registry, b *bus.EventBus) *DiscordSupervisor {
	return &DiscordSupervisor{store: store, runtime: runtime, bus: b, active: make(map[string]context.CancelFunc)}
}

// Run reconciles Discord connections every 2s until ctx is canceled.
func (s *DiscordSupervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(discordReconcileTick)
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

func (s *DiscordSupervisor) reconcile(ctx context.Context) {
	bots := s.store.ListBots("")
	seen := make(map[string]struct{}, len(bots))

	s.activeMu.Lock()
	defer s.activeMu.Unlock()

	for i := range bots {
		b := &bots[i]
		if b.Platform != "discord" || !b.IsRunning || b.DiscordToken == "" {
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

func (s *DiscordSupervisor) runConnection(ctx context.Context, bot *statestore.BotInstance) {
	defer func() {
		s.activeMu.Lock()
		delete(s.active, bot.ID)
		s.activeMu.Unlock()
	}()

	shutdown := make(chan struct{})
	s.runtime.Register(bot.ID, &botruntime.BotConnection{Discord: &botruntime.DiscordConnection{Token: bot.DiscordToken, Shutdown: shutdown}})
	defer s.runtime.Unregister(bot.ID)
	defer close(shutdown)

	var backoff discordgateway.Backoff
	var resume *discordgateway.ResumeState

	client := discordgateway.New(bot.DiscordToken, discordgateway.Handlers{
		OnReady: func(selfID, sessionID, resumeGatewayURL string) {
			s.runtime.SetSelfID(bot.ID, selfID)
			_ = s.store.UpdateBot(bot.ID, func(b *statestore.BotInstance) error {
				b.IsConnected = true
				return nil
			})
			backoff.Reset()
		},
		OnMessageCreate: func(raw json.RawMessage) {
			ev, ok := normalizeDiscordMessage(bot.ID, raw)
			if !ok {
				return
			}
			if ev.Discord != nil && ev.Discord.MessageID != "" {
				s.runtime.IndexDiscordMessage(bot.ID, ev.Discord.MessageID, raw)
			}
			s.bus.PublishInbound(ctx, ev)
		},
		OnDisconnected: func() {
			_ = s.store.UpdateBot(bot.ID, func(b *statestore.BotInstance) error {
				b.IsConnected = false
				return nil
			})
		},
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		next, err := client.RunOnce(ctx, resume)
		resume = next
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff.Next()):
			}
			continue
		}
	}
}

// normalizeDiscordMessage converts a raw MESSAGE_CREATE payload into a
// NormalizedEvent. Bot-authored messages are already
// filtered out upstream by discordgateway.
func normalizeDiscordMessage(botID string, raw json.RawMessage) (bus.NormalizedEvent, bool) {
	var payload struct {
		ID        string `json:"id"`
		ChannelID string `json:"channel_id"`
		GuildID   string `json:"guild_id"`
		Content   string `json:"content"`
		Author    struct {
			ID string `json:"id"`
		} `json:"author"`
		Attachments []struct {
			Filename    string `json:"filename"`
			URL         string `json:"url"`
			ContentType string `json:"content_type"`
			Size        int64  `json:"size"`
		} `json:"attachments"`
		MessageReference *struct {
			MessageID string `json:"message_id"`
		} `json:"message_reference"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return bus.NormalizedEvent{}, false
	}

	peer := bus.PeerDirect
	groupID := ""
	if payload.GuildID != "" {
		peer = bus.PeerGroup
		groupID = payload.ChannelID
	}

	segments := make([]bus.Segment, 0, 1+len(payload.Attachments))
	if payload.Content != "" {
		segments = append(segments, bus.Segment{Type: bus.SegText, Data: map[string]any{"text": payload.Content}})
	}
	if payload.MessageReference != nil && payload.MessageReference.MessageID != "" {
		segments = append(segments, bus.Segment{Type: bus.SegReply, Data: map[string]any{"id": payload.MessageReference.MessageID}})
	}
	for _, att := range payload.Attachments {
		segments = append(segments, bus.Segment{
			Type: classifyAttachment(att.ContentType),
			Data: map[string]any{"url": att.URL, "file": att.Filename, "size": att.Size},
		})
	}

	ev := bus.NormalizedEvent{
		PostType:    bus.PostMessage,
		MessageType: peer,
		UserID:      payload.Author.ID,
		GroupID:     groupID,
		RawMessage:  payload.Content,
		Message:     segments,
		Platform:    bus.PlatformDiscord,
		BotID:       botID,
		Discord: &bus.DiscordContext{
			ChannelID: payload.ChannelID,
			GuildID:   payload.GuildID,
			MessageID: payload.ID,
		},
	}
	return ev, true
}

// classifyAttachment maps a Discord attachment's content_type prefix to
// the segment kind the pipeline understands.
func classifyAttachment(contentType string) bus.SegmentType {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return bus.SegImage
	case strings.HasPrefix(contentType, "video/"):
		return bus.SegVideo
	case strings.HasPrefix(contentType, "audio/"):
		return bus.SegRecord
	default:
		return bus.SegFile
	}
}
