package eventpipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nbot/orchestrator/internal/bus"
)

// MessageLookup is the slice of BotRuntime the reply-context enrichment
// needs: RPC access for get_msg/get_forward_msg and the cached self id for
// bot-author detection. Satisfied by botruntime.Registry.
type MessageLookup interface {
	CallAPI(ctx context.Context, botID, action string, params map[string]any) (json.RawMessage, error)
	GetSelfID(botID string) (string, bool)
}

// ReplyContext is the structured reply_message object attached to hook
// payloads when the inbound message quotes another message.
type ReplyContext struct {
	RawMessage     string             `json:"raw_message"`
	SenderNickname string             `json:"sender_nickname,omitempty"`
	SenderIsBot    bool               `json:"sender_is_bot"`
	MediaURL       string             `json:"media_url,omitempty"`
	MediaName      string             `json:"media_name,omitempty"`
	ForwardText    string             `json:"forward_text,omitempty"`
	ForwardMedia   []ForwardMediaItem `json:"forward_media,omitempty"`
	ForwardTruncated bool             `json:"forward_media_truncated,omitempty"`
}

// enrichReplyContext resolves the message a reply segment points at and
// builds the ReplyContext for it: get_msg for OneBot, the Discord message
// index (behind the same CallAPI whitelist) for Discord. The second
// return is the referenced message's sender id, fed into the redaction
// pipeline's sensitive-id set. A lookup failure degrades to no enrichment
// rather than blocking dispatch.
func (p *Pipeline) enrichReplyContext(ctx context.Context, ev bus.NormalizedEvent) (*ReplyContext, string) {
	if p.lookup == nil {
		return nil, ""
	}
	replyID := findReplyID(ev.Message)
	if replyID == "" {
		return nil, ""
	}

	raw, err := p.lookup.CallAPI(ctx, ev.BotID, "get_msg", map[string]any{"message_id": replyID})
	if err != nil || raw == nil {
		return nil, ""
	}

	rc := parseReferencedMessage(raw)
	if rc == nil {
		return nil, ""
	}

	if selfID, ok := p.lookup.GetSelfID(ev.BotID); ok && selfID != "" && rc.senderID == selfID {
		rc.ctx.SenderIsBot = true
	}

	if rc.forwardID != "" {
		p.renderReferencedForward(ctx, ev.BotID, rc.forwardID, &rc.ctx)
	}
	return &rc.ctx, rc.senderID
}

func findReplyID(segments []bus.Segment) string {
	for _, seg := range segments {
		if seg.Type != bus.SegReply {
			continue
		}
		switch id := seg.Data["id"].(type) {
		case string:
			return id
		case float64:
			return fmt.Sprintf("%.0f", id)
		}
	}
	return ""
}

type referencedMessage struct {
	ctx       ReplyContext
	senderID  string
	forwardID string
}

// parseReferencedMessage understands both referenced-message shapes that
// come back through CallAPI: a OneBot get_msg envelope ({data: {...}}) and
// a raw Discord message payload straight out of the message index.
func parseReferencedMessage(raw json.RawMessage) *referencedMessage {
	var onebot struct {
		Data *struct {
			RawMessage string `json:"raw_message"`
			Sender     struct {
				UserID   json.Number `json:"user_id"`
				Nickname string      `json:"nickname"`
				Card     string      `json:"card"`
			} `json:"sender"`
			Message []struct {
				Type string         `json:"type"`
				Data map[string]any `json:"data"`
			} `json:"message"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &onebot); err == nil && onebot.Data != nil {
		rc := &referencedMessage{senderID: onebot.Data.Sender.UserID.String()}
		rc.ctx.RawMessage = onebot.Data.RawMessage
		rc.ctx.SenderNickname = onebot.Data.Sender.Card
		if rc.ctx.SenderNickname == "" {
			rc.ctx.SenderNickname = onebot.Data.Sender.Nickname
		}
		for _, seg := range onebot.Data.Message {
			switch seg.Type {
			case "image", "video", "record", "file":
				if rc.ctx.MediaURL == "" {
					rc.ctx.MediaURL, _ = seg.Data["url"].(string)
					rc.ctx.MediaName, _ = seg.Data["file"].(string)
				}
			case "forward":
				if id, ok := seg.Data["id"].(string); ok {
					rc.forwardID = id
				}
			}
		}
		return rc
	}

	var discord struct {
		Content string `json:"content"`
		Author  *struct {
			ID       string `json:"id"`
			Username string `json:"username"`
			Bot      bool   `json:"bot"`
		} `json:"author"`
		Attachments []struct {
			Filename string `json:"filename"`
			URL      string `json:"url"`
		} `json:"attachments"`
	}
	if err := json.Unmarshal(raw, &discord); err == nil && discord.Author != nil {
		rc := &referencedMessage{senderID: discord.Author.ID}
		rc.ctx.RawMessage = discord.Content
		rc.ctx.SenderNickname = discord.Author.Username
		rc.ctx.SenderIsBot = discord.Author.Bot
		if len(discord.Attachments) > 0 {
			rc.ctx.MediaURL = discord.Attachments[0].URL
			rc.ctx.MediaName = discord.Attachments[0].Filename
		}
		return rc
	}
	return nil
}

// renderReferencedForward fetches the forward chain the reply points at
// and attaches its bounded textual snapshot plus deduplicated media
// catalog.
func (p *Pipeline) renderReferencedForward(ctx context.Context, botID, forwardID string, rc *ReplyContext) {
	nodes := p.fetchForwardNodes(ctx, botID, forwardID, 0)
	if len(nodes) == 0 {
		return
	}
	rendered := RenderForward(nodes)
	rc.ForwardText = rendered.Text
	rc.ForwardMedia = rendered.Media
	rc.ForwardTruncated = rendered.Truncated
}

func (p *Pipeline) fetchForwardNodes(ctx context.Context, botID, forwardID string, depth int) []ForwardNode {
	if depth >= maxForwardDepth {
		return nil
	}
	raw, err := p.lookup.CallAPI(ctx, botID, "get_forward_msg", map[string]any{"id": forwardID})
	if err != nil || raw == nil {
		return nil
	}

	var parsed struct {
		Data struct {
			Messages []struct {
				Sender struct {
					Nickname string `json:"nickname"`
				} `json:"sender"`
				Message []struct {
					Type string         `json:"type"`
					Data map[string]any `json:"data"`
				} `json:"message"`
			} `json:"messages"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil
	}

	nodes := make([]ForwardNode, 0, len(parsed.Data.Messages))
	for _, m := range parsed.Data.Messages {
		node := ForwardNode{SenderName: m.Sender.Nickname}
		for _, seg := range m.Message {
			node.Content = append(node.Content, bus.Segment{Type: bus.SegmentType(seg.Type), Data: seg.Data})
			if seg.Type == "forward" {
				if nestedID, ok := seg.Data["id"].(string); ok {
					node.Children = append(node.Children, p.fetchForwardNodes(ctx, botID, nestedID, depth+1)...)
				}
			}
		}
		nodes = append(nodes, node)
	}
	return nodes
}
