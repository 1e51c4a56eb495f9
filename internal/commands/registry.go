// Package commands implements the command registry the event pipeline
// consults when an inbound message begins with the configured command
// prefix: case-insensitive lookup, alias resolution, and a fixed
// priority ordering among built-in, plugin, and custom commands.
package commands

import (
	"sort"
	"strings"
)

// Source ranks where a command came from; lower value wins ties.
type Source int

const (
	SourceBuiltin Source = iota
	SourcePlugin
	SourceCustom
)

// Command is one registered command entry.
type Command struct {
	Name       string
	Aliases    []string
	OwnerPlugin string // plugin id that owns onCommand dispatch, empty for built-ins handled inline
	Source     Source
}

// Registry holds all registered commands, keyed by lower-cased canonical
// name, with an alias index pointing back to the canonical name.
type Registry struct {
	commands map[string]Command
	aliases  map[string]string
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		commands: make(map[string]Command),
		aliases:  make(map[string]string),
	}
}

// Register adds or replaces cmd. When two commands with the same name
// collide across sources, the higher-priority source wins (built-in >
// plugin > custom); equal sources break ties lexicographically by owner
// plugin id, matching the deterministic ordering used for broadcast hooks.
func (r *Registry) Register(cmd Command) {
	key := strings.ToLower(cmd.Name)
	if existing, ok := r.commands[key]; ok {
		if !higherPriority(cmd, existing) {
			return
		}
	}
	r.commands[key] = cmd
	for _, alias := range cmd.Aliases {
		r.aliases[strings.ToLower(alias)] = key
	}
}

func higherPriority(a, b Command) bool {
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	return a.OwnerPlugin < b.OwnerPlugin
}

// Resolve looks up name (case-insensitive), following an alias if name
// isn't a canonical command name.
func (r *Registry) Resolve(name string) (Command, bool) {
	key := strings.ToLower(name)
	if cmd, ok := r.commands[key]; ok {
		return cmd, true
	}
	if canonical, ok := r.aliases[key]; ok {
		cmd, ok := r.commands[canonical]
		return cmd, ok
	}
	return Command{}, false
}

// ParseInvocation splits "/cmd arg1 arg2" into (command, args) using the
// given prefix; returns ok=false if raw doesn't start with prefix.
func ParseInvocation(raw, prefix string) (name string, args []string, ok bool) {
	if !strings.HasPrefix(raw, prefix) {
		return "", nil, false
	}
	rest := strings.TrimSpace(raw[len(prefix):])
	if rest == "" {
		return "", nil, false
	}
	fields := strings.Fields(rest)
	return fields[0], fields[1:], true
}

// List returns all registered commands sorted by canonical name, for help
// rendering.
func (r *Registry) List() []Command {
	out := make([]Command, 0, len(r.commands))
	for _, c := range r.commands {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
