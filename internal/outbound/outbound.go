// Package outbound materializes high-level plugin outputs (SendReply,
// CallApi, SendForwardMessage, Fetch*) into platform-specific transport
// calls: OneBot WebSocket RPC frames and Discord REST requests with
// chunking, multipart attachments, and retry-after handling. The REST
// call bodies reuse discordgo's MessageSend/Channel structs for their
// request/response shapes; the HTTP dispatch itself stays hand-rolled
// (retry-after, multipart, mute-cache) rather than going through
// discordgo's Session, since that also owns gateway state this package
// doesn't want.
package outbound

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nbot/orchestrator/internal/botruntime"
	"github.com/nbot/orchestrator/internal/bus"
	"github.com/nbot/orchestrator/internal/nberr"
	"github.com/nbot/orchestrator/internal/privacy"
	"github.com/nbot/orchestrator/internal/ratelimit"
)

const (
	discordMessageChunkLimit = 2000
	discordMaxAttachments    = 10
	discordMaxRetries        = 6
)

var cqImageB64Re = regexp.MustCompile(`\[CQ:image,file=base64://([A-Za-z0-9+/=]+)\]`)

// DiscordTarget resolves how a SendReply should reach Discord: either an
// existing channel or a user to DM (a DM channel is created on demand).
type DiscordTarget struct {
	ChannelID string
	UserID    string // set instead of ChannelID for a private message
}

const (
	// Per-target outbound ceiling, applied after dedup: a plugin stuck in
	// a reply loop gets throttled before it floods a group.
	sendWindow     = 10 * time.Second
	sendWindowHits = 20
)

// Materializer turns PluginOutputs into transport calls.
type Materializer struct {
	runtime        *botruntime.Registry
	httpClient     *http.Client
	botToken       func(botID string) string
	discordBaseURL string
	sendLimiter    *ratelimit.SlidingWindowLimiter
}

// New creates a Materializer bound to a connection registry.
func New(runtime *botruntime.Registry, botToken func(botID string) string) *Materializer {
	return &Materializer{
		runtime:        runtime,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		botToken:       botToken,
		discordBaseURL: "https://discord.com/api/v10",
		sendLimiter:    ratelimit.NewSlidingWindowLimiter(sendWindow, sendWindowHits),
	}
}

// SetDiscordBaseURL overrides the Discord REST endpoint, for tests and
// API-proxy deployments.
func (m *Materializer) SetDiscordBaseURL(base string) {
	m.discordBaseURL = strings.TrimSuffix(base, "/")
}

// SendReplyRequest is the normalized shape of a SendReply output.
type SendReplyRequest struct {
	BotID    string
	Platform bus.Platform
	Peer     bus.PeerKind
	UserID   string
	GroupID  string
	Discord  DiscordTarget
	Text     string
}

// Resolver exposes the registry's OneBot-backed nickname lookup, the
// default privacy.NicknameResolver for redaction on this Materializer's
// traffic.
func (m *Materializer) Resolver() privacy.NicknameResolver {
	return m.runtime
}

// SendReply applies redaction, dedup, and send-status checks, then
// dispatches per platform. For OneBot sends a nil resolver falls back to
// the registry's OneBot nickname lookup; Discord sends keep a nil resolver,
// so no nickname lookup is made for them.
func (m *Materializer) SendReply(ctx context.Context, req SendReplyRequest, resolver privacy.NicknameResolver) error {
	target := req.GroupID
	if target == "" {
		target = req.UserID
	}

	if resolver == nil && req.Platform == bus.PlatformOneBot {
		resolver = m.runtime
	}
	redacted := privacy.Redact(ctx, req.BotID, req.GroupID, req.Text, resolver)

	if req.Peer == bus.PeerGroup {
		status, err := m.runtime.GetGroupSendStatus(ctx, req.BotID, req.GroupID, req.Platform == bus.PlatformOneBot)
		if err == nil && status == botruntime.StatusMuted {
			return nberr.New(nberr.PermissionDenied, "group is muted: "+req.GroupID)
		}
	}

	if !m.runtime.CheckAndDedup(req.BotID, target, redacted) {
		return nberr.New(nberr.BackpressureReject, "duplicate send suppressed within dedup window")
	}
	if !m.sendLimiter.Allow(req.BotID + "|" + target) {
		return nberr.New(nberr.BackpressureReject, "outbound rate ceiling reached for "+target)
	}

	if req.Platform == bus.PlatformOneBot {
		return m.sendOneBot(ctx, req, redacted)
	}
	return m.sendDiscord(ctx, req, redacted)
}

func (m *Materializer) sendOneBot(ctx context.Context, req SendReplyRequest, text string) error {
	action := "send_private_msg"
	params := map[string]any{"message": text}
	if req.Peer == bus.PeerGroup {
		action = "send_group_msg"
		params["group_id"] = req.GroupID
	} else {
		params["user_id"] = req.UserID
	}
	_, err := m.runtime.CallAPI(ctx, req.BotID, action, params)
	return err
}

func (m *Materializer) sendDiscord(ctx context.Context, req SendReplyRequest, text string) error {
	channelID := req.Discord.ChannelID
	if channelID == "" && req.Discord.UserID != "" {
		created, err := m.createDMChannel(ctx, req.BotID, req.Discord.UserID)
		if err != nil {
			return err
		}
		channelID = created
	}
	if channelID == "" {
		return nberr.New(nberr.BadRequest, "discord send requires a channel or user id")
	}

	images, stripped := extractBase64Images(text)
	chunks := chunkText(stripped, discordMessageChunkLimit)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	for i, chunk := range chunks {
		var atts [][]byte
		if i == 0 {
			atts = images
		}
		if err := m.postDiscordMessage(ctx, req.BotID, channelID, chunk, atts, req.GroupID); err != nil {
			return err
		}
	}
	return nil
}

func (m *Materializer) createDMChannel(ctx context.Context, botID, userID string) (string, error) {
	body, _ := json.Marshal(map[string]string{"recipient_id": userID})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.discordBaseURL+"/users/@me/channels", bytes.NewReader(body))
	if err != nil {
		return "", nberr.Wrap(nberr.BadRequest, "build dm channel request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bot "+m.botToken(botID))

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return "", nberr.Wrap(nberr.Transport, "create dm channel", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", nberr.Http(resp.StatusCode, string(data))
	}
	var ch discordgo.Channel
	if err := json.Unmarshal(data, &ch); err != nil {
		return "", nberr.Wrap(nberr.BadRequest, "decode dm channel response", err)
	}
	return ch.ID, nil
}

// postDiscordMessage posts one message, retrying on 429 up to
// discordMaxRetries times honoring retry_after, and writing Muted into the
// send-status cache on a permission error.
func (m *Materializer) postDiscordMessage(ctx context.Context, botID, channelID, text string, images [][]byte, groupIDForMuteCache string) error {
	url := fmt.Sprintf("%s/channels/%s/messages", m.discordBaseURL, channelID)

	for attempt := 0; attempt <= discordMaxRetries; attempt++ {
		var body io.Reader
		var contentType string
		if len(images) > 0 {
			b, ct, err := buildMultipartBody(text, images)
			if err != nil {
				return err
			}
			body, contentType = b, ct
		} else {
			data, _ := json.Marshal(discordgo.MessageSend{Content: text})
			body, contentType = bytes.NewReader(data), "application/json"
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
		if err != nil {
			return nberr.Wrap(nberr.BadRequest, "build discord message request", err)
		}
		httpReq.Header.Set("Content-Type", contentType)
		httpReq.Header.Set("Authorization", "Bot "+m.botToken(botID))

		resp, err := m.httpClient.Do(httpReq)
		if err != nil {
			return nberr.Wrap(nberr.Transport, "post discord message", err)
		}
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(respBody)
			select {
			case <-time.After(retryAfter):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		case resp.StatusCode == http.StatusForbidden || hasDiscordErrorCode(respBody, 50013):
			if groupIDForMuteCache != "" {
				m.runtime.WriteMutedStatus(botID, groupIDForMuteCache)
			}
			return nberr.New(nberr.PermissionDenied, "discord permission error on channel "+channelID)
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return nberr.Http(resp.StatusCode, string(respBody))
		default:
			return nil
		}
	}
	return nberr.New(nberr.HttpNonSuccess, "exceeded discord retry-after attempts")
}

func buildMultipartBody(text string, images [][]byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	payload, _ := json.Marshal(discordgo.MessageSend{Content: text})
	if err := mw.WriteField("payload_json", string(payload)); err != nil {
		return nil, "", nberr.Wrap(nberr.BadRequest, "write payload_json field", err)
	}

	for i, img := range images {
		if i >= discordMaxAttachments {
			break
		}
		part, err := mw.CreateFormFile(fmt.Sprintf("files[%d]", i), fmt.Sprintf("image%d.png", i))
		if err != nil {
			return nil, "", nberr.Wrap(nberr.BadRequest, "create attachment field", err)
		}
		if _, err := part.Write(img); err != nil {
			return nil, "", nberr.Wrap(nberr.BadRequest, "write attachment bytes", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", nberr.Wrap(nberr.BadRequest, "close multipart writer", err)
	}
	return &buf, mw.FormDataContentType(), nil
}

// extractBase64Images pulls up to 10 [CQ:image,file=base64://...] segments
// out of text, returning the decoded image bytes and the text with those
// segments stripped.
func extractBase64Images(text string) ([][]byte, string) {
	var images [][]byte
	stripped := cqImageB64Re.ReplaceAllStringFunc(text, func(match string) string {
		if len(images) >= discordMaxAttachments {
			return ""
		}
		sub := cqImageB64Re.FindStringSubmatch(match)
		if len(sub) != 2 {
			return ""
		}
		decoded, err := base64.StdEncoding.DecodeString(sub[1])
		if err != nil {
			return ""
		}
		images = append(images, decoded)
		return ""
	})
	return images, stripped
}

// chunkText splits text into chunks of at most limit runes, preserving
// codepoint boundaries.
func chunkText(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	var chunks []string
	for len(runes) > 0 {
		end := limit
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[:end]))
		runes = runes[end:]
	}
	return chunks
}

func parseRetryAfter(body []byte) time.Duration {
	var parsed struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.RetryAfter <= 0 {
		return time.Second
	}
	return time.Duration(parsed.RetryAfter * float64(time.Second))
}

func hasDiscordErrorCode(body []byte, code int) bool {
	var parsed struct {
		Code int `json:"code"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return false
	}
	return parsed.Code == code
}

// CallAPI routes CallApi outputs to OneBot directly, or through the
// Discord translation table for send_group_msg/send_private_msg/send_msg/
// send_group_forward_msg/send_private_forward_msg/send_forward_msg.
func (m *Materializer) CallAPI(ctx context.Context, botID string, platform bus.Platform, action string, params map[string]any) (json.RawMessage, error) {
	if platform == bus.PlatformOneBot {
		return m.runtime.CallAPI(ctx, botID, action, params)
	}

	switch action {
	case "send_group_msg", "send_private_msg", "send_msg", "send_forward_msg",
		"send_group_forward_msg", "send_private_forward_msg":
		return nil, m.discordTranslateSend(ctx, botID, action, params)
	default:
		return nil, nberr.New(nberr.NotFound, "discord has no translation for action "+action)
	}
}

func (m *Materializer) discordTranslateSend(ctx context.Context, botID, action string, params map[string]any) error {
	text, _ := params["message"].(string)
	req := SendReplyRequest{BotID: botID, Platform: bus.PlatformDiscord, Text: text}
	switch action {
	case "send_group_msg", "send_group_forward_msg":
		req.Peer = bus.PeerGroup
		if ch, ok := params["group_id"].(string); ok {
			req.Discord.ChannelID = ch
		}
	default:
		req.Peer = bus.PeerDirect
		if u, ok := params["user_id"].(string); ok {
			req.Discord.UserID = u
		}
	}
	return m.SendReply(ctx, req, nil)
}

// SendForwardNode is one authored element of a forward message.
type SendForwardNode struct {
	Name    string
	UIN     string
	Content string
}

// SendForwardMessage constructs standardized forward nodes using the bot's
// self id as uin; OneBot sends natively, Discord flattens nodes into
// serial messages.
func (m *Materializer) SendForwardMessage(ctx context.Context, botID string, platform bus.Platform, peer bus.PeerKind, groupID, userID string, nodes []SendForwardNode) error {
	selfID, _ := m.runtime.SelfID(ctx, botID)
	for i := range nodes {
		if nodes[i].UIN == "" {
			nodes[i].UIN = selfID
		}
	}

	if platform == bus.PlatformOneBot {
		for i := range nodes {
			nodes[i].Content = privacy.Redact(ctx, botID, groupID, nodes[i].Content, m.runtime)
		}
		action := "send_private_forward_msg"
		params := map[string]any{"messages": forwardNodesToOneBot(nodes)}
		if peer == bus.PeerGroup {
			action = "send_group_forward_msg"
			params["group_id"] = groupID
		} else {
			params["user_id"] = userID
		}
		_, err := m.runtime.CallAPI(ctx, botID, action, params)
		return err
	}

	for _, node := range nodes {
		req := SendReplyRequest{BotID: botID, Platform: bus.PlatformDiscord, Peer: peer, GroupID: groupID, UserID: userID, Text: node.Content}
		if peer == bus.PeerGroup {
			req.Discord.ChannelID = groupID
		} else {
			req.Discord.UserID = userID
		}
		if err := m.SendReply(ctx, req, nil); err != nil {
			return err
		}
	}
	return nil
}

func forwardNodesToOneBot(nodes []SendForwardNode) []map[string]any {
	out := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, map[string]any{
			"type": "node",
			"data": map[string]any{
				"name":    n.Name,
				"uin":     n.UIN,
				"content": n.Content,
			},
		})
	}
	return out
}
