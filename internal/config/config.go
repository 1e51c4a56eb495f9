// Package config defines the orchestrator's root configuration: container
// provisioning defaults, LLM provider aliases, render/media service
// endpoints, and per-bot module overlays. Secrets are never unmarshalled
// from the JSON config file; they are sourced from environment variables
// or the state store, never written back into the config file.
package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON, for lists that
// may arrive from loosely-typed admin tooling. No config field in this
// module is declared with this type.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the orchestrator process.
type Config struct {
	Container   ContainerConfig   `json:"container"`
	Discord     DiscordGlobalConfig `json:"discord"`
	LLM         LLMConfig         `json:"llm"`
	Render      RenderConfig      `json:"render"`
	Media       MediaConfig       `json:"media"`
	Persistence PersistenceConfig `json:"persistence"`
	PluginHost  PluginHostConfig  `json:"plugin_host"`
	Telemetry   TelemetryConfig   `json:"telemetry,omitempty"`

	mu sync.RWMutex
}

// ContainerConfig configures side-car container provisioning.
type ContainerConfig struct {
	DockerMode        bool   `json:"docker_mode"`                // NBOT_DOCKER_MODE
	NapcatImage       string `json:"napcat_image"`                // NBOT_NAPCAT_IMAGE
	Registry          string `json:"registry"`                    // NBOT_DOCKER_REGISTRY
	DockerHubNamespace string `json:"dockerhub_namespace"`        // NBOT_DOCKERHUB_NAMESPACE
	Tag               string `json:"tag"`                         // NBOT_TAG
	VolumeInitImage   string `json:"volume_init_image"`           // NBOT_VOLUME_INIT_IMAGE
	Network           string `json:"network"`                     // shared network, default "nbot_default"
	WsPort            int    `json:"ws_port"`                     // published OneBot WS port, default 3001
	WebUIPort         int    `json:"webui_port"`                  // published OneBot WebUI port, default 6099
}

// DiscordGlobalConfig holds process-wide Discord defaults; per-bot tokens
// live in BotInstance.Metadata, never here.
type DiscordGlobalConfig struct {
	GatewayURL string `json:"gateway_url,omitempty"` // default "wss://gateway.discord.gg/?v=10&encoding=json"
}

// LLMConfig configures default request ceilings for the LLMGateway; actual
// per-alias provider/key resolution is per-bot.
type LLMConfig struct {
	DefaultMaxRequestBytes int64 `json:"default_max_request_bytes,omitempty"` // not read; llmgateway.Resolve applies its own 20 MiB fallback when an alias omits one
}

// RenderConfig configures the external HTML→PNG render service.
type RenderConfig struct {
	BaseURL string `json:"base_url"` // WKHTMLTOIMAGE_URL
}

// MediaConfig configures the media transcoder process wrapper.
type MediaConfig struct {
	FFmpegImage string `json:"ffmpeg_image,omitempty"` // NBOT_FFMPEG_IMAGE
	FFmpegBin   string `json:"ffmpeg_bin"`              // NBOT_FFMPEG_BIN, default "ffmpeg"
	FFprobeBin  string `json:"ffprobe_bin"`             // NBOT_FFPROBE_BIN, default "ffprobe"
}

// PersistenceConfig configures the write-through JSON state directory.
type PersistenceConfig struct {
	DataDir string `json:"data_dir"` // NBOT_DATA_DIR, default "data"
}

// PluginHostConfig configures plugin loading and signature verification.
type PluginHostConfig struct {
	AllowUnsigned    bool   `json:"allow_unsigned"`     // NBOT_ALLOW_UNSIGNED_PLUGINS
	OfficialPubKeyB64 string `json:"official_pubkey_b64,omitempty"` // NBOT_OFFICIAL_PUBLIC_KEY_B64
	QueueDepth       int    `json:"queue_depth,omitempty"` // not read; pluginhost.New always uses a queue of 100
}

// TelemetryConfig configures OpenTelemetry span export for RPC/HTTP/LLM calls.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// Snapshot returns a copy of the config safe to read without holding c's lock.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := *c
	cp.mu = sync.RWMutex{}
	return cp
}

// ReplaceFrom atomically swaps in new config data, e.g. after a config
// file reload.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Container = src.Container
	c.Discord = src.Discord
	c.LLM = src.LLM
	c.Render = src.Render
	c.Media = src.Media
	c.Persistence = src.Persistence
	c.PluginHost = src.PluginHost
	c.Telemetry = src.Telemetry
}
