package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config populated with the orchestrator's baseline
// defaults; Load overlays the file and environment on top.
func Default() *Config {
	return &Config{
		Container: ContainerConfig{
			DockerMode:  true,
			NapcatImage: "mlikiowa/napcat-docker:latest",
			Tag:         "latest",
			Network:     "nbot_default",
			WsPort:      3001,
			WebUIPort:   6099,
		},
		Discord: DiscordGlobalConfig{
			GatewayURL: "wss://gateway.discord.gg/?v=10&encoding=json",
		},
		LLM: LLMConfig{
			DefaultMaxRequestBytes: 20 * 1024 * 1024,
		},
		Media: MediaConfig{
			FFmpegBin:  "ffmpeg",
			FFprobeBin: "ffprobe",
		},
		Persistence: PersistenceConfig{
			DataDir: "data",
		},
		PluginHost: PluginHostConfig{
			QueueDepth: 100,
		},
	}
}

// Load reads a JSON5 config file at path, overlaying it onto Default(),
// then applies environment variable overrides. Missing files fall back to
// Default() alone.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides layers NBOT_*/WKHTMLTOIMAGE_URL environment variables
// on top of the loaded config.
func applyEnvOverrides(cfg *Config) {
	envStr("NBOT_NAPCAT_IMAGE", &cfg.Container.NapcatImage)
	envStr("NBOT_DOCKER_REGISTRY", &cfg.Container.Registry)
	envStr("NBOT_DOCKERHUB_NAMESPACE", &cfg.Container.DockerHubNamespace)
	envStr("NBOT_TAG", &cfg.Container.Tag)
	envStr("NBOT_VOLUME_INIT_IMAGE", &cfg.Container.VolumeInitImage)
	envBool("NBOT_DOCKER_MODE", &cfg.Container.DockerMode)

	envStr("NBOT_FFMPEG_IMAGE", &cfg.Media.FFmpegImage)
	envStr("NBOT_FFMPEG_BIN", &cfg.Media.FFmpegBin)
	envStr("NBOT_FFPROBE_BIN", &cfg.Media.FFprobeBin)

	envStr("NBOT_DATA_DIR", &cfg.Persistence.DataDir)

	envBool("NBOT_ALLOW_UNSIGNED_PLUGINS", &cfg.PluginHost.AllowUnsigned)
	envStr("NBOT_OFFICIAL_PUBLIC_KEY_B64", &cfg.PluginHost.OfficialPubKeyB64)

	envStr("WKHTMLTOIMAGE_URL", &cfg.Render.BaseURL)

	// NBOT_API_TOKEN is not stored on Config; statestore.APIToken reads it
	// directly. NBOT_TWEMOJI_BASE_URL and NBOT_MARKET_URL are not read
	// anywhere in this module.
}

// envStr overwrites *dst with the named environment variable's value if set.
func envStr(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

// envBool overwrites *dst by parsing the named environment variable if set
// and parseable; invalid values are ignored rather than treated as fatal.
func envBool(key string, dst *bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	if b, err := strconv.ParseBool(v); err == nil {
		*dst = b
	}
}

// ResolveConfigPath picks the config file: an explicit path wins, then
// NBOT_CONFIG, then ./config.json.
func ResolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if v := os.Getenv("NBOT_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(".", "config.json")
}
