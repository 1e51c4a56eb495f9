// Package eventpipeline is the single consumer of bus.EventBus: it
// normalizes command syntax, enriches reply context with bounded forward
// rendering, and dispatches the fixed preMessage -> command-or-passthrough
// -> onNotice/onMetaEvent hook sequence: a single goroutine draining
// the bus and fanning into plugin hooks.
package eventpipeline

import (
	"context"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/nbot/orchestrator/internal/bus"
	"github.com/nbot/orchestrator/internal/commands"
	"github.com/nbot/orchestrator/internal/pluginhost"
	"github.com/nbot/orchestrator/internal/privacy"
)

const (
	maxForwardChars = 50000
	maxForwardDepth = 3
	maxForwardMedia = 20
)

// MetaEventTarget names the single allowlisted plugin that receives the
// per-bot 1s onMetaEvent tick.
type MetaEventTarget struct {
	PluginID string
}

// Pipeline consumes normalized events and drives plugin hooks.
type Pipeline struct {
	bus        *bus.EventBus
	host       *pluginhost.Host
	commands   *commands.Registry
	lookup     MessageLookup
	prefix     string
	metaTarget MetaEventTarget
	onOutputs  func(ctx context.Context, outputs []pluginhost.PluginOutput, ev bus.NormalizedEvent)

	// renderHelp, when set, turns the plain help listing into a base64
	// image (internal/render); on failure the text listing is sent as-is.
	renderHelp func(ctx context.Context, text string) (string, bool)
}

// SetHelpRenderer installs the optional image renderer for the built-in
// help command.
func (p *Pipeline) SetHelpRenderer(fn func(ctx context.Context, text string) (string, bool)) {
	p.renderHelp = fn
}

// New creates a Pipeline. lookup backs reply-context enrichment (nil
// disables it); onOutputs receives every PluginOutput produced by a
// dispatch, for the caller (supervisor wiring) to route into
// internal/outbound or internal/llmpipeline.
func New(b *bus.EventBus, host *pluginhost.Host, cmdRegistry *commands.Registry, lookup MessageLookup, prefix string, metaTarget MetaEventTarget, onOutputs func(context.Context, []pluginhost.PluginOutput, bus.NormalizedEvent)) *Pipeline {
	return &Pipeline{bus: b, host: host, commands: cmdRegistry, lookup: lookup, prefix: prefix, metaTarget: metaTarget, onOutputs: onOutputs}
}

// Run consumes events until ctx is canceled.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		ev, ok := p.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		p.dispatch(ctx, ev)
	}
}

func (p *Pipeline) dispatch(ctx context.Context, ev bus.NormalizedEvent) {
	switch ev.PostType {
	case bus.PostMessage:
		p.dispatchMessage(ctx, ev)
	case bus.PostNotice:
		ctx = privacy.WithSensitiveIDs(ctx, collectSensitiveIDs(ev, ""))
		p.emit(ctx, p.broadcast(ctx, "onNotice", eventPayload(ev)), ev)
	case bus.PostMetaEvent:
		if p.metaTarget.PluginID != "" {
			res, err := p.host.Directed(ctx, p.metaTarget.PluginID, "onMetaEvent", eventPayload(ev))
			if err == nil {
				p.emit(ctx, res.Outputs, ev)
			}
		}
	}
}

func (p *Pipeline) dispatchMessage(ctx context.Context, ev bus.NormalizedEvent) {
	payload := eventPayload(ev)
	reply, replySenderID := p.enrichReplyContext(ctx, ev)
	if reply != nil {
		payload["reply_message"] = reply
	}

	// Everything downstream of this dispatch (hook outputs, outbound
	// redaction, LLM context blocks) sees the same sensitive-id set:
	// sender, at targets, and the reply-target's sender.
	ctx = privacy.WithSensitiveIDs(ctx, collectSensitiveIDs(ev, replySenderID))

	preOutputs, allow := p.broadcastAllow(ctx, "preMessage", payload)
	p.emit(ctx, preOutputs, ev)
	if !allow {
		return
	}

	if p.commands != nil && p.prefix != "" {
		if name, args, ok := commands.ParseInvocation(ev.RawMessage, p.prefix); ok {
			if cmd, found := p.commands.Resolve(name); found {
				p.dispatchCommand(ctx, ev, payload, cmd, args)
			}
			return
		}
	}
	// Non-command messages pass: preMessage was their only hook.
}

func (p *Pipeline) dispatchCommand(ctx context.Context, ev bus.NormalizedEvent, payload map[string]any, cmd commands.Command, args []string) {
	payload["command"] = cmd.Name
	payload["args"] = args

	preOutputs, allow := p.broadcastAllow(ctx, "preCommand", payload)
	p.emit(ctx, preOutputs, ev)
	if !allow {
		return
	}

	if cmd.OwnerPlugin == "" {
		if strings.EqualFold(cmd.Name, "help") {
			p.emitHelp(ctx, ev)
		}
		return
	}
	res, err := p.host.Directed(ctx, cmd.OwnerPlugin, "onCommand", payload)
	if err != nil {
		return
	}
	p.emit(ctx, res.Outputs, ev)
}

// emitHelp answers the built-in help command with the command listing,
// rendered to an image when a renderer is installed, else as plain text.
func (p *Pipeline) emitHelp(ctx context.Context, ev bus.NormalizedEvent) {
	var sb strings.Builder
	sb.WriteString("Commands:\n")
	for _, cmd := range p.commands.List() {
		sb.WriteString(p.prefix)
		sb.WriteString(cmd.Name)
		if len(cmd.Aliases) > 0 {
			sb.WriteString(" (")
			sb.WriteString(strings.Join(cmd.Aliases, ", "))
			sb.WriteString(")")
		}
		sb.WriteString("\n")
	}

	content := sb.String()
	if p.renderHelp != nil {
		if img, ok := p.renderHelp(ctx, content); ok {
			content = "[CQ:image,file=base64://" + img + "]"
		}
	}
	p.emit(ctx, []pluginhost.PluginOutput{{
		Type:    "SendReply",
		Source:  "builtin.help",
		Payload: map[string]any{"text": content},
	}}, ev)
}

func (p *Pipeline) broadcast(ctx context.Context, hook string, payload map[string]any) []pluginhost.PluginOutput {
	outputs, _, _ := p.host.Broadcast(ctx, hook, payload)
	return outputs
}

func (p *Pipeline) broadcastAllow(ctx context.Context, hook string, payload map[string]any) ([]pluginhost.PluginOutput, bool) {
	outputs, allow, err := p.host.Broadcast(ctx, hook, payload)
	if err != nil {
		return nil, false
	}
	return outputs, allow
}

func (p *Pipeline) emit(ctx context.Context, outputs []pluginhost.PluginOutput, ev bus.NormalizedEvent) {
	if len(outputs) == 0 || p.onOutputs == nil {
		return
	}
	p.onOutputs(ctx, outputs, ev)
}

// collectSensitiveIDs gathers the user ids this message exposes: the
// sender, every at-mention target, and the sender of a replied-to message.
func collectSensitiveIDs(ev bus.NormalizedEvent, replySenderID string) map[string]struct{} {
	ids := make(map[string]struct{})
	if ev.UserID != "" {
		ids[ev.UserID] = struct{}{}
	}
	if replySenderID != "" {
		ids[replySenderID] = struct{}{}
	}
	for _, seg := range ev.Message {
		if seg.Type != bus.SegAt {
			continue
		}
		for _, key := range []string{"qq", "id"} {
			switch v := seg.Data[key].(type) {
			case string:
				if v != "" && v != "all" {
					ids[v] = struct{}{}
				}
			case float64:
				ids[strconv.FormatInt(int64(v), 10)] = struct{}{}
			}
		}
	}
	return ids
}

func eventPayload(ev bus.NormalizedEvent) map[string]any {
	return map[string]any{
		"post_type":  string(ev.PostType),
		"user_id":    ev.UserID,
		"group_id":   ev.GroupID,
		"message":    ev.RawMessage,
		"segments":   ev.Message,
		"platform":   string(ev.Platform),
		"bot_id":     ev.BotID,
	}
}

// ForwardMediaItem is a deduplicated media reference collected while
// rendering a forward chain for reply-context enrichment.
type ForwardMediaItem struct {
	Type string
	URL  string
	ID   string
}

// RenderedForward is the bounded rendering of a reply/forward chain
// attached to message hook payloads as reply context.
type RenderedForward struct {
	Text       string
	Media      []ForwardMediaItem
	Truncated  bool
}

// ForwardNode is one entry of a raw forward chain, as surfaced by a
// get_msg / get_forward_msg lookup.
type ForwardNode struct {
	SenderName string
	Content    []bus.Segment
	Children   []ForwardNode
}

// RenderForward flattens a forward chain into text, bounded to
// maxForwardChars bytes of UTF-8 text (the length is counted in bytes, not
// characters; a cut text segment ends on a character boundary),
// maxForwardDepth levels, and maxForwardMedia deduplicated media items.
// Truncated reports any bound being hit: text length, depth, or the media
// catalog overflowing its cap.
func RenderForward(nodes []ForwardNode) RenderedForward {
	var st forwardRenderState
	st.seen = make(map[string]struct{})
	truncated := st.renderNodes(nodes, 0)
	return RenderedForward{Text: st.sb.String(), Media: st.media, Truncated: truncated || st.mediaDropped}
}

type forwardRenderState struct {
	sb           strings.Builder
	media        []ForwardMediaItem
	seen         map[string]struct{}
	mediaDropped bool
}

func (st *forwardRenderState) renderNodes(nodes []ForwardNode, depth int) bool {
	if depth >= maxForwardDepth {
		return true
	}
	truncated := false
	for _, n := range nodes {
		if st.sb.Len() >= maxForwardChars {
			return true
		}
		st.sb.WriteString(n.SenderName)
		st.sb.WriteString(": ")
		for _, seg := range n.Content {
			if st.sb.Len() >= maxForwardChars {
				truncated = true
				break
			}
			st.appendSegment(seg)
		}
		st.sb.WriteString("\n")
		if len(n.Children) > 0 {
			if st.renderNodes(n.Children, depth+1) {
				truncated = true
			}
		}
	}
	if st.sb.Len() >= maxForwardChars {
		truncated = true
	}
	return truncated
}

func (st *forwardRenderState) appendSegment(seg bus.Segment) {
	switch seg.Type {
	case bus.SegText:
		if text, ok := seg.Data["text"].(string); ok {
			remaining := maxForwardChars - st.sb.Len()
			if remaining <= 0 {
				return
			}
			if len(text) > remaining {
				for remaining > 0 && !utf8.RuneStart(text[remaining]) {
					remaining--
				}
				text = text[:remaining]
			}
			st.sb.WriteString(text)
		}
	case bus.SegImage, bus.SegVideo, bus.SegRecord, bus.SegFile:
		url, _ := seg.Data["url"].(string)
		id, _ := seg.Data["file"].(string)
		key := string(seg.Type) + "|" + url + "|" + id
		if _, dup := st.seen[key]; dup {
			return
		}
		if len(st.media) >= maxForwardMedia {
			st.mediaDropped = true
			return
		}
		st.seen[key] = struct{}{}
		st.media = append(st.media, ForwardMediaItem{Type: string(seg.Type), URL: url, ID: id})
	}
}
