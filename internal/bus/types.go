// Package bus defines the unified internal event model that inbound
// platform traffic is normalized into, and the queues that move events and
// plugin outputs between the supervisor, the event pipeline, and the
// outbound materializer.
package bus

import "context"

// PostType distinguishes the three inbound event shapes normalized events
// can take.
type PostType string

const (
	PostMessage  PostType = "message"
	PostNotice   PostType = "notice"
	PostMetaEvent PostType = "meta_event"
)

// PeerKind distinguishes direct messages from group messages.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// Platform identifies the originating transport.
type Platform string

const (
	PlatformOneBot  Platform = "onebot"
	PlatformDiscord Platform = "discord"
)

// SegmentType enumerates the kinds a Segment can carry.
type SegmentType string

const (
	SegText    SegmentType = "text"
	SegAt      SegmentType = "at"
	SegImage   SegmentType = "image"
	SegVideo   SegmentType = "video"
	SegRecord  SegmentType = "record"
	SegFile    SegmentType = "file"
	SegReply   SegmentType = "reply"
	SegForward SegmentType = "forward"
	SegFace    SegmentType = "face"
	SegMarkdown SegmentType = "markdown"
	SegJSON    SegmentType = "json"
	SegXML     SegmentType = "xml"
)

// Segment is one element of a normalized message's content array. Data
// holds type-specific fields (file id/url/name/size for media, qq for at,
// id for reply, content for nested forward nodes, text for text/face).
type Segment struct {
	Type SegmentType    `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// DiscordContext carries the Discord-specific routing triple that OneBot
// events don't have.
type DiscordContext struct {
	ChannelID string `json:"channel_id,omitempty"`
	GuildID   string `json:"guild_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// NormalizedEvent is the common shape every inbound event is reduced to
// before entering the EventPipeline.
type NormalizedEvent struct {
	PostType    PostType `json:"post_type"`
	MessageType PeerKind `json:"message_type,omitempty"` // only for post_type=message
	NoticeType  string   `json:"notice_type,omitempty"`
	MetaEventType string `json:"meta_event_type,omitempty"`

	UserID  string `json:"user_id"`
	GroupID string `json:"group_id,omitempty"`

	RawMessage string    `json:"raw_message"`
	Message    []Segment `json:"message"`

	Platform Platform `json:"platform"`
	BotID    string   `json:"bot_id"`

	Discord *DiscordContext `json:"discord,omitempty"`

	// Raw carries the untouched provider payload for handlers that need
	// fields the common shape doesn't surface (e.g. OneBot notice sub_type).
	Raw map[string]any `json:"-"`
}

// EventBus moves NormalizedEvents from platform workers to the pipeline
// without blocking platform read loops.
type EventBus struct {
	inbound chan NormalizedEvent
}

// NewEventBus creates a bus with the given inbound queue depth.
func NewEventBus(capacity int) *EventBus {
	if capacity <= 0 {
		capacity = 256
	}
	return &EventBus{inbound: make(chan NormalizedEvent, capacity)}
}

// PublishInbound enqueues an event. It never blocks the caller for more
// than a full channel would; callers that cannot tolerate backpressure
// should select on ctx.Done() around this call.
func (b *EventBus) PublishInbound(ctx context.Context, ev NormalizedEvent) {
	select {
	case b.inbound <- ev:
	case <-ctx.Done():
	}
}

// ConsumeInbound blocks until an event is available or ctx is canceled.
func (b *EventBus) ConsumeInbound(ctx context.Context) (NormalizedEvent, bool) {
	select {
	case ev := <-b.inbound:
		return ev, true
	case <-ctx.Done():
		return NormalizedEvent{}, false
	}
}
