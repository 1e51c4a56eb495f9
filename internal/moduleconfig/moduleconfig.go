// Package moduleconfig resolves a bot's per-module configuration overlay
// (BotInstance.ModulesConfig) against built-in module
// defaults, and implements the "llm" module's model-alias table consumed
// by internal/llmgateway.
package moduleconfig

import (
	"encoding/json"

	"github.com/nbot/orchestrator/internal/llmgateway"
)

// ModuleOverlay is one entry of a bot's modules_config map.
type ModuleOverlay struct {
	Enabled *bool           `json:"enabled,omitempty"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// Resolver merges per-bot overlays onto built-in defaults for a single
// module id.
type Resolver struct {
	defaults map[string]json.RawMessage
}

// NewResolver creates a Resolver seeded with a module's built-in defaults.
func NewResolver(defaults map[string]json.RawMessage) *Resolver {
	if defaults == nil {
		defaults = make(map[string]json.RawMessage)
	}
	return &Resolver{defaults: defaults}
}

// Effective merges overlays[moduleID] onto the registered default and
// unmarshals the result into dst. A missing overlay or module falls back
// to the default alone; a missing default falls back to the overlay alone.
func (r *Resolver) Effective(moduleID string, overlays map[string]ModuleOverlay, dst any) error {
	merged := map[string]any{}

	if def, ok := r.defaults[moduleID]; ok && len(def) > 0 {
		var m map[string]any
		if err := json.Unmarshal(def, &m); err != nil {
			return err
		}
		merged = m
	}

	if overlay, ok := overlays[moduleID]; ok && len(overlay.Config) > 0 {
		var m map[string]any
		if err := json.Unmarshal(overlay.Config, &m); err != nil {
			return err
		}
		for k, v := range m {
			merged[k] = v
		}
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// IsEnabled reports whether moduleID is enabled for a bot: an explicit
// overlay wins, otherwise defaultEnabled applies.
func IsEnabled(moduleID string, overlays map[string]ModuleOverlay, defaultEnabled bool) bool {
	if overlay, ok := overlays[moduleID]; ok && overlay.Enabled != nil {
		return *overlay.Enabled
	}
	return defaultEnabled
}

// LLMModuleConfig is the shape of the "llm" module's effective config: a
// table of logical alias -> provider endpoint.
type LLMModuleConfig struct {
	Aliases map[string]llmAliasEntry `json:"aliases"`
}

type llmAliasEntry struct {
	Provider        string `json:"provider"`
	BaseURL         string `json:"base_url"`
	APIKey          string `json:"api_key"`
	WireModel       string `json:"wire_model"`
	MaxRequestBytes int64  `json:"max_request_bytes,omitempty"`
}

// llmState adapts LLMModuleConfig to llmgateway.ModuleState.
type llmState struct {
	cfg LLMModuleConfig
}

// NewLLMState wraps a resolved LLMModuleConfig for use as an
// llmgateway.ModuleState.
func NewLLMState(cfg LLMModuleConfig) llmgateway.ModuleState {
	return &llmState{cfg: cfg}
}

func (s *llmState) ResolveModelAlias(alias string) (llmgateway.ModelAlias, bool) {
	entry, ok := s.cfg.Aliases[alias]
	if !ok {
		return llmgateway.ModelAlias{}, false
	}
	return llmgateway.ModelAlias{
		Provider:        entry.Provider,
		BaseURL:         entry.BaseURL,
		APIKey:          entry.APIKey,
		WireModel:       entry.WireModel,
		MaxRequestBytes: entry.MaxRequestBytes,
	}, true
}
