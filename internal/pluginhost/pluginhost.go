// Package pluginhost runs all plugin code on a single dedicated worker
// goroutine behind a message-passing façade, so plugin execution is never
// concurrent with itself. Callers submit requests through a bounded
// queue and receive their answer on a one-shot reply channel.
package pluginhost

import (
	"context"
	"log/slog"
	"sort"

	"github.com/nbot/orchestrator/internal/nberr"
)

const requestQueueCapacity = 100

// PluginOutput is a tagged-variant side effect a hook invocation can ask
// the orchestrator to perform. Only Type is interpreted by
// this package; the outbound materializer and LLM pipeline interpret
// Payload.
type PluginOutput struct {
	Type    string
	Source  string // plugin id that produced this output
	Payload map[string]any
}

// HookResult is what a plugin invocation returns.
type HookResult struct {
	Allow   bool
	Outputs []PluginOutput
}

// Plugin is the host-side handle to one loaded plugin's JS runtime. The JS
// execution host itself is an external collaborator; Plugin
// is the façade this package drives.
type Plugin struct {
	ID       string
	Priority int // fixed priority map value, e.g. access-control = -100
	// Invoke runs hookName with payload inside the plugin's JS runtime and
	// must not block beyond the caller's context deadline.
	Invoke func(ctx context.Context, hookName string, payload map[string]any) (HookResult, error)
}

type requestKind int

const (
	kindBroadcast requestKind = iota
	kindDirected
	kindLoad
	kindUnload
	kindUpdateConfig
)

type hostRequest struct {
	kind       requestKind
	hookName   string
	payload    map[string]any
	pluginID   string // for directed/load/unload/updateConfig
	plugin     Plugin // for load
	config     map[string]any
	persist    func(pluginID string, config map[string]any) error
	reply      chan hostResponse
}

type hostResponse struct {
	broadcastResults []broadcastEntry
	directedResult   HookResult
	err              error
}

type broadcastEntry struct {
	pluginID string
	result   HookResult
}

// Host is the single-threaded cooperative plugin scheduler.
type Host struct {
	requests chan hostRequest
	done     chan struct{}
}

// New creates a Host and starts its worker goroutine.
func New() *Host {
	h := &Host{
		requests: make(chan hostRequest, requestQueueCapacity),
		done:     make(chan struct{}),
	}
	go h.run()
	return h
}

// Close stops the worker goroutine once the queue drains.
func (h *Host) Close() {
	close(h.requests)
	<-h.done
}

func (h *Host) run() {
	defer close(h.done)
	plugins := make(map[string]Plugin)
	configs := make(map[string]map[string]any)

	for req := range h.requests {
		switch req.kind {
		case kindLoad:
			plugins[req.plugin.ID] = req.plugin
			req.reply <- hostResponse{}
		case kindUnload:
			delete(plugins, req.pluginID)
			delete(configs, req.pluginID)
			req.reply <- hostResponse{}
		case kindBroadcast:
			req.reply <- hostResponse{broadcastResults: runBroadcast(plugins, req.hookName, req.payload)}
		case kindDirected:
			req.reply <- hostResponse{directedResult: runDirected(plugins, req.pluginID, req.hookName, req.payload)}
		case kindUpdateConfig:
			req.reply <- hostResponse{err: applyUpdateConfig(plugins, configs, req.pluginID, req.config, req.persist)}
		}
	}
}

// orderedPlugins returns plugins sorted by fixed priority then
// lexicographic plugin id, the deterministic order broadcast hooks use.
func orderedPlugins(plugins map[string]Plugin) []Plugin {
	out := make([]Plugin, 0, len(plugins))
	for _, p := range plugins {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func runBroadcast(plugins map[string]Plugin, hookName string, payload map[string]any) []broadcastEntry {
	var results []broadcastEntry
	for _, p := range orderedPlugins(plugins) {
		res, err := p.Invoke(context.Background(), hookName, payload)
		if err != nil {
			// A hook that raises is logged under the plugin's id and its
			// allow is treated as false, with no outputs applied.
			slog.Warn("plugin hook failed", "plugin", p.ID, "hook", hookName, "error", err)
			results = append(results, broadcastEntry{pluginID: p.ID, result: HookResult{Allow: false}})
			break
		}
		results = append(results, broadcastEntry{pluginID: p.ID, result: res})
		if !res.Allow {
			break
		}
	}
	return results
}

func runDirected(plugins map[string]Plugin, pluginID, hookName string, payload map[string]any) HookResult {
	p, ok := plugins[pluginID]
	if !ok {
		return HookResult{Allow: false}
	}
	res, err := p.Invoke(context.Background(), hookName, payload)
	if err != nil {
		return HookResult{Allow: false}
	}
	return res
}

// applyUpdateConfig pushes config into the plugin's runtime via its
// updateConfig hook first, then persists; a persist failure puts the
// runtime back on the previous config before the error is returned
// (runtime update first, persistent write second, revert on failure).
func applyUpdateConfig(plugins map[string]Plugin, configs map[string]map[string]any, pluginID string, config map[string]any, persist func(string, map[string]any) error) error {
	p, ok := plugins[pluginID]
	if !ok {
		return nberr.New(nberr.NotFound, "plugin not loaded: "+pluginID)
	}

	prev := configs[pluginID]
	if _, err := p.Invoke(context.Background(), "updateConfig", map[string]any{"config": config}); err != nil {
		return nberr.Wrap(nberr.BadRequest, "apply config to plugin runtime", err)
	}
	configs[pluginID] = config

	if persist == nil {
		return nil
	}
	if err := persist(pluginID, config); err != nil {
		if _, revertErr := p.Invoke(context.Background(), "updateConfig", map[string]any{"config": prev}); revertErr == nil {
			configs[pluginID] = prev
		}
		return err
	}
	return nil
}

// Load installs plugin p, replacing any existing plugin with the same id.
func (h *Host) Load(ctx context.Context, p Plugin) error {
	reply := make(chan hostResponse, 1)
	select {
	case h.requests <- hostRequest{kind: kindLoad, plugin: p, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case resp := <-reply:
		return resp.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unload removes pluginID.
func (h *Host) Unload(ctx context.Context, pluginID string) error {
	reply := make(chan hostResponse, 1)
	select {
	case h.requests <- hostRequest{kind: kindUnload, pluginID: pluginID, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case resp := <-reply:
		return resp.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcast invokes hookName on every loaded plugin in priority order,
// halting at the first plugin that returns allow=false. All outputs
// accumulated up to and including the halting plugin are returned for
// execution.
func (h *Host) Broadcast(ctx context.Context, hookName string, payload map[string]any) ([]PluginOutput, bool, error) {
	reply := make(chan hostResponse, 1)
	select {
	case h.requests <- hostRequest{kind: kindBroadcast, hookName: hookName, payload: payload, reply: reply}:
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}

	select {
	case resp := <-reply:
		if resp.err != nil {
			return nil, false, resp.err
		}
		var outputs []PluginOutput
		allow := true
		for _, entry := range resp.broadcastResults {
			for i := range entry.result.Outputs {
				entry.result.Outputs[i].Source = entry.pluginID
			}
			outputs = append(outputs, entry.result.Outputs...)
			if !entry.result.Allow {
				allow = false
			}
		}
		return outputs, allow, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Directed invokes hookName on exactly one plugin.
func (h *Host) Directed(ctx context.Context, pluginID, hookName string, payload map[string]any) (HookResult, error) {
	reply := make(chan hostResponse, 1)
	select {
	case h.requests <- hostRequest{kind: kindDirected, pluginID: pluginID, hookName: hookName, payload: payload, reply: reply}:
	case <-ctx.Done():
		return HookResult{}, ctx.Err()
	}

	select {
	case resp := <-reply:
		return resp.directedResult, resp.err
	case <-ctx.Done():
		return HookResult{}, ctx.Err()
	}
}

// UpdateConfig pushes config into pluginID's runtime (a directed
// updateConfig hook invocation), then persists it via persist; on persist
// failure the runtime is reverted to its previous config and the persist
// error is returned.
func (h *Host) UpdateConfig(ctx context.Context, pluginID string, config map[string]any, persist func(string, map[string]any) error) error {
	reply := make(chan hostResponse, 1)
	select {
	case h.requests <- hostRequest{kind: kindUpdateConfig, pluginID: pluginID, config: config, persist: persist, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case resp := <-reply:
		if resp.err != nil {
			return nberr.Wrap(nberr.BadRequest, "update plugin config for "+pluginID, resp.err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
