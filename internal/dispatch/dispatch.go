// Package dispatch turns the PluginOutputs a hook dispatch produces into
// calls against internal/outbound, internal/llmpipeline, and
// internal/render. Kept as its own package, rather than folded into
// eventpipeline, so none of those packages need to import each other.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nbot/orchestrator/internal/bus"
	"github.com/nbot/orchestrator/internal/llmabuse"
	"github.com/nbot/orchestrator/internal/llmgateway"
	"github.com/nbot/orchestrator/internal/llmpipeline"
	"github.com/nbot/orchestrator/internal/moduleconfig"
	"github.com/nbot/orchestrator/internal/outbound"
	"github.com/nbot/orchestrator/internal/pluginhost"
	"github.com/nbot/orchestrator/internal/privacy"
	"github.com/nbot/orchestrator/internal/render"
	"github.com/nbot/orchestrator/internal/statestore"
	"github.com/nbot/orchestrator/internal/tracing"
)

// LLMResolver resolves a bot's configured model aliases; supplied by the
// caller because resolution depends on the bot's modules_config overlay.
type LLMResolver func(botID string) llmgateway.ModuleState

// Router executes the side effects named by a hook dispatch's outputs.
type Router struct {
	Outbound *outbound.Materializer
	Host     *pluginhost.Host
	Render   *render.Client
	Gateway  *llmgateway.Gateway
	Store    *statestore.Store
	Abuse    *llmabuse.Gate
	Resolve  LLMResolver
	Deps     llmpipeline.Deps
}

// Run executes every output produced by a single hook dispatch, in order.
// Errors are logged by the caller's choice of logger; Run itself returns
// only the first error so a caller can decide whether to keep going;
// materializer errors never tear down the event pipeline.
func (r *Router) Run(ctx context.Context, ev bus.NormalizedEvent, outputs []pluginhost.PluginOutput) error {
	var firstErr error
	for _, out := range outputs {
		if err := r.runOne(ctx, ev, out); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Router) runOne(ctx context.Context, ev bus.NormalizedEvent, out pluginhost.PluginOutput) error {
	ctx, span := tracing.StartSpan(ctx, "dispatch.plugin_output")
	span.SetAttributes(
		attribute.String("output.type", out.Type),
		attribute.String("output.source", out.Source),
		attribute.String("bot.id", ev.BotID),
	)
	defer span.End()

	switch out.Type {
	case "SendReply":
		return r.sendReply(ctx, ev, out)
	case "CallApi":
		return r.callAPI(ctx, ev, out)
	case "UpdateConfig":
		return r.updateConfig(ctx, out)
	case "SendForwardMessage":
		return r.sendForward(ctx, ev, out)
	case "FetchGroupNotice", "FetchGroupMsgHistory", "FetchGroupFiles", "FetchGroupFileUrl",
		"FetchFriendList", "FetchGroupList", "FetchGroupMemberList":
		return r.fetchAndReply(ctx, ev, out)
	case "CallLlmChat", "CallLlmChatWithSearch", "CallLlmAndForward", "CallLlmAndForwardFromUrl",
		"CallLlmAndForwardImageFromUrl", "CallLlmAndForwardVideoFromUrl", "CallLlmAndForwardAudioFromUrl",
		"CallLlmAndForwardMediaBundle", "CallLlmAndForwardArchiveFromUrl":
		return r.callLLM(ctx, ev, out)
	case "DownloadFile":
		return r.downloadFile(ctx, ev, out)
	default:
		return nil
	}
}

// downloadFile routes the output through the OneBot download_file API and
// answers the requesting plugin via onGroupInfoResponse, like the other
// Fetch* outputs.
func (r *Router) downloadFile(ctx context.Context, ev bus.NormalizedEvent, out pluginhost.PluginOutput) error {
	params := map[string]any{
		"url":    payloadString(out.Payload, "url"),
		"name":   payloadString(out.Payload, "name"),
		"thread": 1,
	}
	result, err := r.Outbound.CallAPI(ctx, ev.BotID, ev.Platform, "download_file", params)

	payload := map[string]any{"info_type": "DownloadFile", "bot_id": ev.BotID}
	if err != nil {
		payload["error"] = err.Error()
	} else {
		payload["data"] = result
	}
	nested, nestedErr := r.Host.Directed(ctx, out.Source, "onGroupInfoResponse", payload)
	if nestedErr != nil {
		return nestedErr
	}
	return r.Run(ctx, ev, nested.Outputs)
}

func payloadString(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}

func payloadInt(p map[string]any, key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

func (r *Router) sendReply(ctx context.Context, ev bus.NormalizedEvent, out pluginhost.PluginOutput) error {
	req := outbound.SendReplyRequest{
		BotID:    ev.BotID,
		Platform: ev.Platform,
		Peer:     ev.MessageType,
		UserID:   ev.UserID,
		GroupID:  ev.GroupID,
		Text:     payloadString(out.Payload, "text"),
	}
	if ev.Discord != nil {
		req.Discord.ChannelID = ev.Discord.ChannelID
		req.Discord.UserID = ev.UserID
	}
	return r.Outbound.SendReply(ctx, req, nil)
}

func (r *Router) callAPI(ctx context.Context, ev bus.NormalizedEvent, out pluginhost.PluginOutput) error {
	action := payloadString(out.Payload, "action")
	params, _ := out.Payload["params"].(map[string]any)
	_, err := r.Outbound.CallAPI(ctx, ev.BotID, ev.Platform, action, params)
	return err
}

func (r *Router) updateConfig(ctx context.Context, out pluginhost.PluginOutput) error {
	config, _ := out.Payload["config"].(map[string]any)
	botID := payloadString(out.Payload, "bot_id")
	return r.Host.UpdateConfig(ctx, out.Source, config, func(pluginID string, cfg map[string]any) error {
		return r.Store.UpdateBot(botID, func(b *statestore.BotInstance) error {
			if b.ModulesConfig == nil {
				b.ModulesConfig = make(map[string]any)
			}
			b.ModulesConfig[pluginID] = cfg
			return nil
		})
	})
}

func (r *Router) sendForward(ctx context.Context, ev bus.NormalizedEvent, out pluginhost.PluginOutput) error {
	rawNodes, _ := out.Payload["nodes"].([]map[string]any)
	nodes := make([]outbound.SendForwardNode, 0, len(rawNodes))
	for _, n := range rawNodes {
		nodes = append(nodes, outbound.SendForwardNode{
			Name:    payloadString(n, "name"),
			UIN:     payloadString(n, "uin"),
			Content: payloadString(n, "content"),
		})
	}
	return r.Outbound.SendForwardMessage(ctx, ev.BotID, ev.Platform, ev.MessageType, ev.GroupID, ev.UserID, nodes)
}

// fetchAndReply issues the corresponding OneBot API call and replies to
// the originating plugin via the directed onGroupInfoResponse hook.
func (r *Router) fetchAndReply(ctx context.Context, ev bus.NormalizedEvent, out pluginhost.PluginOutput) error {
	action := fetchAction(out.Type)
	params, _ := out.Payload["params"].(map[string]any)

	result, err := r.Outbound.CallAPI(ctx, ev.BotID, ev.Platform, action, params)
	infoType := out.Type
	payload := map[string]any{"info_type": infoType, "bot_id": ev.BotID}
	if err != nil {
		payload["error"] = err.Error()
	} else {
		payload["data"] = result
	}

	nested, nestedErr := r.Host.Directed(ctx, out.Source, "onGroupInfoResponse", payload)
	if nestedErr != nil {
		return nestedErr
	}
	return r.Run(ctx, ev, nested.Outputs)
}

func fetchAction(outputType string) string {
	switch outputType {
	case "FetchGroupNotice":
		return "_get_group_notice"
	case "FetchGroupMsgHistory":
		return "get_group_msg_history"
	case "FetchGroupFiles":
		return "get_group_root_files"
	case "FetchGroupFileUrl":
		return "get_group_file_url"
	case "FetchFriendList":
		return "get_friend_list"
	case "FetchGroupList":
		return "get_group_list"
	case "FetchGroupMemberList":
		return "get_group_member_list"
	default:
		return ""
	}
}

// callLLM resolves the bot's model alias, enforces the abuse gate, runs
// the requested pipeline variant, and forwards the rendered result.
func (r *Router) callLLM(ctx context.Context, ev bus.NormalizedEvent, out pluginhost.PluginOutput) error {
	alias := payloadString(out.Payload, "model")
	state := r.Resolve(ev.BotID)
	resolved, err := llmgateway.Resolve(alias, state)
	if err != nil {
		return err
	}

	guard, ok := r.Abuse.Acquire(ev.UserID, ev.GroupID)
	if !ok {
		return r.Outbound.SendReply(ctx, outbound.SendReplyRequest{
			BotID: ev.BotID, Platform: ev.Platform, Peer: ev.MessageType,
			UserID: ev.UserID, GroupID: ev.GroupID,
			Text: "有任务正在进行中，请稍候再试",
		}, nil)
	}
	defer guard.Release()

	taskTitle := payloadString(out.Payload, "task")
	if taskTitle == "" {
		taskTitle = out.Type
	}
	llmCtx := &llmpipeline.Context{
		Gateway:      r.Gateway,
		Alias:        resolved,
		SystemPrompt: payloadString(out.Payload, "system_prompt"),
		Meta: llmpipeline.ContextMeta{
			Title: taskTitle,
			Environment: map[string]any{
				"platform": string(ev.Platform),
				"peer":     string(ev.MessageType),
			},
		},
		RedactContext: func(s string) string {
			return privacy.Redact(ctx, ev.BotID, ev.GroupID, s, nil)
		},
	}
	maxTokens := payloadInt(out.Payload, "max_tokens", 2048)
	deps := r.depsFor(ctx, ev, resolved)

	var reply string
	var pipelineErr error
	switch out.Type {
	case "CallLlmChat", "CallLlmChatWithSearch", "CallLlmAndForward":
		reply, pipelineErr = llmCtx.Text(ctx, payloadString(out.Payload, "content"), maxTokens)
	case "CallLlmAndForwardFromUrl":
		reply, _, pipelineErr = llmCtx.TextFromUrl(ctx, deps, payloadString(out.Payload, "url"),
			payloadInt(out.Payload, "timeout_ms", 10000), 50*1024*1024,
			payloadInt(out.Payload, "max_chars", 20000), maxTokens)
	case "CallLlmAndForwardImageFromUrl":
		reply, pipelineErr = llmCtx.ImageFromUrl(ctx, deps, payloadString(out.Payload, "url"),
			payloadInt(out.Payload, "timeout_ms", 10000), 20*1024*1024,
			payloadInt(out.Payload, "max_width", 1024), payloadInt(out.Payload, "max_height", 1024),
			payloadInt(out.Payload, "max_output_bytes", 3*1024*1024), maxTokens)
	case "CallLlmAndForwardArchiveFromUrl":
		keywords := payloadStringSlice(out.Payload, "keywords")
		reply, pipelineErr = llmCtx.ArchiveFromUrl(ctx, deps, payloadString(out.Payload, "url"),
			payloadInt(out.Payload, "timeout_ms", 15000), 50*1024*1024, 5*1024*1024, 5*1024*1024, keywords, maxTokens)
	case "CallLlmAndForwardVideoFromUrl":
		reply, pipelineErr = llmCtx.VideoFromUrl(ctx, deps, payloadString(out.Payload, "url"),
			llmpipeline.VideoMode(payloadString(out.Payload, "mode")),
			payloadInt(out.Payload, "timeout_ms", 30000), 80*1024*1024,
			payloadInt(out.Payload, "max_frames", 6), maxTokens,
			payloadBool(out.Payload, "require_transcript"))
	case "CallLlmAndForwardAudioFromUrl":
		reply, pipelineErr = llmCtx.AudioFromUrl(ctx, deps, payloadString(out.Payload, "url"),
			payloadString(out.Payload, "record_file"), payloadInt(out.Payload, "timeout_ms", 20000),
			30*1024*1024, payloadBool(out.Payload, "require_transcript"), maxTokens)
	case "CallLlmAndForwardMediaBundle":
		bundle, bErr := llmCtx.MediaBundle(ctx, deps, payloadAttachments(out.Payload),
			payloadInt(out.Payload, "timeout_ms", 30000), 50*1024*1024, maxTokens)
		reply, pipelineErr = bundle.Reply, bErr
	}
	if pipelineErr != nil {
		return pipelineErr
	}

	// Chat variants answer the requesting plugin directly; Forward
	// variants render and forward the reply.
	if out.Type == "CallLlmChat" || out.Type == "CallLlmChatWithSearch" {
		nested, err := r.Host.Directed(ctx, out.Source, "onLlmResponse", map[string]any{
			"task":   taskTitle,
			"reply":  reply,
			"bot_id": ev.BotID,
		})
		if err != nil {
			return err
		}
		return r.Run(ctx, ev, nested.Outputs)
	}
	return r.forwardLLMResult(ctx, ev, taskTitle, reply)
}

// depsFor binds the pipeline's collaborators to this event's bot: voice
// record fetches go through the bot's OneBot get_record API, and audio
// transcription through the resolved provider's transcription endpoint.
func (r *Router) depsFor(ctx context.Context, ev bus.NormalizedEvent, resolved llmgateway.ModelAlias) llmpipeline.Deps {
	deps := r.Deps
	deps.GetRecordBase64 = func(recCtx context.Context, recordFile string) (string, bool, error) {
		result, err := r.Outbound.CallAPI(recCtx, ev.BotID, ev.Platform, "get_record",
			map[string]any{"file": recordFile, "out_format": "wav"})
		if err != nil || result == nil {
			return "", false, err
		}
		var parsed struct {
			Data struct {
				Base64 string `json:"base64"`
			} `json:"data"`
		}
		if err := json.Unmarshal(result, &parsed); err != nil || parsed.Data.Base64 == "" {
			return "", false, nil
		}
		return parsed.Data.Base64, true, nil
	}
	deps.Transcribe = func(trCtx context.Context, wavPath, filename string) (string, error) {
		return r.Gateway.AudioTranscription(trCtx, resolved, wavPath, filename)
	}
	return deps
}

// forwardLLMResult redacts the model's reply, renders it to an image, and
// sends it as a forward message: a title node, the image node, then
// plain-text nodes reprinting extracted links and fenced code blocks so
// they stay copyable.
func (r *Router) forwardLLMResult(ctx context.Context, ev bus.NormalizedEvent, title, reply string) error {
	redacted := privacy.Redact(ctx, ev.BotID, ev.GroupID, reply, r.Outbound.Resolver())

	result, err := r.Render.RenderMarkdownImage(ctx, redacted, 520, 92)
	if err != nil {
		return err
	}
	header := fmt.Sprintf("%s · %s", title, time.Now().Format("2006-01-02 15:04:05"))
	nodes := []outbound.SendForwardNode{
		{Content: header},
		{Content: "[CQ:image,file=base64://" + result.Image + "]"},
	}
	if links := llmpipeline.ExtractLinks(redacted); len(links) > 0 {
		nodes = append(nodes, outbound.SendForwardNode{Content: "链接：\n" + strings.Join(links, "\n")})
	}
	for i, code := range llmpipeline.ExtractCodeBlocks(redacted) {
		nodes = append(nodes, outbound.SendForwardNode{Content: fmt.Sprintf("代码块 #%d：\n%s", i+1, code)})
	}
	return r.Outbound.SendForwardMessage(ctx, ev.BotID, ev.Platform, ev.MessageType, ev.GroupID, ev.UserID, nodes)
}

func payloadBool(p map[string]any, key string) bool {
	b, _ := p[key].(bool)
	return b
}

func payloadStringSlice(p map[string]any, key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func payloadAttachments(p map[string]any) []llmpipeline.MediaAttachment {
	raw, _ := p["attachments"].([]any)
	out := make([]llmpipeline.MediaAttachment, 0, len(raw))
	for _, e := range raw {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, llmpipeline.MediaAttachment{
			Kind: payloadString(m, "kind"),
			URL:  payloadString(m, "url"),
			Name: payloadString(m, "name"),
		})
	}
	return out
}

// ModuleResolverFor adapts a bot's effective LLM module config (resolved
// via moduleconfig.Resolver against the store's modules_config overlay)
// to llmgateway.ModuleState, for use as a Router.Resolve implementation.
func ModuleResolverFor(store *statestore.Store, resolver *moduleconfig.Resolver) LLMResolver {
	return func(botID string) llmgateway.ModuleState {
		bot, ok := store.GetBot(botID)
		if !ok {
			return moduleconfig.NewLLMState(moduleconfig.LLMModuleConfig{})
		}
		overlays := make(map[string]moduleconfig.ModuleOverlay, len(bot.ModulesConfig))
		for k, v := range bot.ModulesConfig {
			if m, ok := v.(map[string]any); ok {
				overlays[k] = decodeOverlay(m)
			}
		}
		var cfg moduleconfig.LLMModuleConfig
		_ = resolver.Effective("llm", overlays, &cfg)
		return moduleconfig.NewLLMState(cfg)
	}
}

func decodeOverlay(m map[string]any) moduleconfig.ModuleOverlay {
	var overlay moduleconfig.ModuleOverlay
	if cfg, ok := m["config"]; ok {
		if raw, err := json.Marshal(cfg); err == nil {
			overlay.Config = raw
		}
	}
	return overlay
}
