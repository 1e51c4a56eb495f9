package moduleconfig

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEffectiveMergesOverlayOntoDefault(t *testing.T) {
	r := NewResolver(map[string]json.RawMessage{
		"greet": json.RawMessage(`{"message":"hi","enabled_by_default":true}`),
	})

	var out struct {
		Message          string `json:"message"`
		EnabledByDefault bool   `json:"enabled_by_default"`
	}
	overlays := map[string]ModuleOverlay{
		"greet": {Config: json.RawMessage(`{"message":"yo"}`)},
	}
	require.NoError(t, r.Effective("greet", overlays, &out))
	require.Equal(t, "yo", out.Message)
	require.True(t, out.EnabledByDefault)
}

func TestIsEnabledOverlayWins(t *testing.T) {
	f := false
	overlays := map[string]ModuleOverlay{"greet": {Enabled: &f}}
	require.False(t, IsEnabled("greet", overlays, true))
	require.True(t, IsEnabled("other", overlays, true))
}

func TestResolveModelAlias(t *testing.T) {
	state := NewLLMState(LLMModuleConfig{Aliases: map[string]llmAliasEntry{
		"fast": {Provider: "openai", BaseURL: "https://api.example.com", WireModel: "gpt-fast", MaxRequestBytes: 1024},
	}})
	alias, ok := state.ResolveModelAlias("fast")
	require.True(t, ok)
	require.Equal(t, "gpt-fast", alias.WireModel)

	_, ok = state.ResolveModelAlias("missing")
	require.False(t, ok)
}
