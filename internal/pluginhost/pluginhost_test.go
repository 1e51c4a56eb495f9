package pluginhost

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBroadcastOrdersByPriorityThenID(t *testing.T) {
	h := New()
	defer h.Close()

	var order []string
	ctx := context.Background()

	require.NoError(t, h.Load(ctx, Plugin{
		ID: "greet", Priority: 0,
		Invoke: func(ctx context.Context, hook string, payload map[string]any) (HookResult, error) {
			order = append(order, "greet")
			return HookResult{Allow: true}, nil
		},
	}))
	require.NoError(t, h.Load(ctx, Plugin{
		ID: "whitelist", Priority: -100,
		Invoke: func(ctx context.Context, hook string, payload map[string]any) (HookResult, error) {
			order = append(order, "whitelist")
			return HookResult{Allow: true}, nil
		},
	}))

	_, allow, err := h.Broadcast(ctx, "preMessage", nil)
	require.NoError(t, err)
	require.True(t, allow)
	require.Equal(t, []string{"whitelist", "greet"}, order)
}

func TestBroadcastHaltsOnDisallowButKeepsOutputs(t *testing.T) {
	h := New()
	defer h.Close()
	ctx := context.Background()

	var greetCalled bool
	require.NoError(t, h.Load(ctx, Plugin{
		ID: "whitelist", Priority: -100,
		Invoke: func(ctx context.Context, hook string, payload map[string]any) (HookResult, error) {
			return HookResult{Allow: false, Outputs: []PluginOutput{{Type: "SendReply"}}}, nil
		},
	}))
	require.NoError(t, h.Load(ctx, Plugin{
		ID: "greet", Priority: 0,
		Invoke: func(ctx context.Context, hook string, payload map[string]any) (HookResult, error) {
			greetCalled = true
			return HookResult{Allow: true}, nil
		},
	}))

	outputs, allow, err := h.Broadcast(ctx, "preMessage", nil)
	require.NoError(t, err)
	require.False(t, allow)
	require.False(t, greetCalled)
	require.Len(t, outputs, 1)
	require.Equal(t, "whitelist", outputs[0].Source)
}

func TestDirectedInvokesOnlyTargetPlugin(t *testing.T) {
	h := New()
	defer h.Close()
	ctx := context.Background()

	var calledA, calledB bool
	require.NoError(t, h.Load(ctx, Plugin{ID: "a", Invoke: func(ctx context.Context, hook string, p map[string]any) (HookResult, error) {
		calledA = true
		return HookResult{Allow: true}, nil
	}}))
	require.NoError(t, h.Load(ctx, Plugin{ID: "b", Invoke: func(ctx context.Context, hook string, p map[string]any) (HookResult, error) {
		calledB = true
		return HookResult{Allow: true}, nil
	}}))

	_, err := h.Directed(ctx, "b", "onCommand", nil)
	require.NoError(t, err)
	require.False(t, calledA)
	require.True(t, calledB)
}

// configRecorder is a plugin stub whose runtime config is whatever the
// last updateConfig hook invocation carried.
func configRecorder(applied *[]map[string]any) Plugin {
	return Plugin{
		ID: "plugin1",
		Invoke: func(ctx context.Context, hook string, payload map[string]any) (HookResult, error) {
			if hook == "updateConfig" {
				cfg, _ := payload["config"].(map[string]any)
				*applied = append(*applied, cfg)
			}
			return HookResult{Allow: true}, nil
		},
	}
}

func TestUpdateConfigAppliesRuntimeThenPersists(t *testing.T) {
	h := New()
	defer h.Close()
	ctx := context.Background()

	var applied []map[string]any
	require.NoError(t, h.Load(ctx, configRecorder(&applied)))

	var persisted map[string]any
	err := h.UpdateConfig(ctx, "plugin1", map[string]any{"x": 1}, func(id string, cfg map[string]any) error {
		// Runtime must already hold the new config when persist runs.
		require.Len(t, applied, 1)
		persisted = cfg
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"x": 1}, applied[0])
	require.Equal(t, map[string]any{"x": 1}, persisted)
}

func TestUpdateConfigRevertsRuntimeOnPersistFailure(t *testing.T) {
	h := New()
	defer h.Close()
	ctx := context.Background()

	var applied []map[string]any
	require.NoError(t, h.Load(ctx, configRecorder(&applied)))

	require.NoError(t, h.UpdateConfig(ctx, "plugin1", map[string]any{"x": 1}, nil))

	err := h.UpdateConfig(ctx, "plugin1", map[string]any{"x": 2}, func(id string, cfg map[string]any) error {
		return context.DeadlineExceeded
	})
	require.Error(t, err)

	// Three runtime pushes: {x:1}, the failed {x:2}, then the revert back
	// to {x:1}.
	require.Len(t, applied, 3)
	require.Equal(t, map[string]any{"x": 1}, applied[0])
	require.Equal(t, map[string]any{"x": 2}, applied[1])
	require.Equal(t, map[string]any{"x": 1}, applied[2])
}

func TestUpdateConfigUnknownPluginFails(t *testing.T) {
	h := New()
	defer h.Close()

	err := h.UpdateConfig(context.Background(), "ghost", map[string]any{"x": 1}, nil)
	require.Error(t, err)
}

func TestHookErrorTreatedAsDisallow(t *testing.T) {
	h := New()
	defer h.Close()
	ctx := context.Background()

	require.NoError(t, h.Load(ctx, Plugin{
		ID: "broken",
		Invoke: func(ctx context.Context, hook string, p map[string]any) (HookResult, error) {
			return HookResult{}, context.Canceled
		},
	}))

	_, allow, err := h.Broadcast(ctx, "preMessage", nil)
	require.NoError(t, err)
	require.False(t, allow)
}

func TestCloseDrainsQueue(t *testing.T) {
	h := New()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.Load(ctx, Plugin{ID: "noop", Invoke: func(ctx context.Context, hook string, p map[string]any) (HookResult, error) {
		return HookResult{Allow: true}, nil
	}}))
	h.Close()
}
