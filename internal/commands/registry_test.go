package commands

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuiltinBeatsPluginOnCollision(t *testing.T) {
	r := New()
	r.Register(Command{Name: "help", Source: SourcePlugin, OwnerPlugin: "zzz"})
	r.Register(Command{Name: "help", Source: SourceBuiltin})

	cmd, ok := r.Resolve("HELP")
	require.True(t, ok)
	require.Equal(t, SourceBuiltin, cmd.Source)
}

func TestPluginDoesNotOverrideBuiltin(t *testing.T) {
	r := New()
	r.Register(Command{Name: "help", Source: SourceBuiltin})
	r.Register(Command{Name: "help", Source: SourcePlugin, OwnerPlugin: "aaa"})

	cmd, ok := r.Resolve("help")
	require.True(t, ok)
	require.Equal(t, SourceBuiltin, cmd.Source)
}

func TestAliasResolvesToCanonical(t *testing.T) {
	r := New()
	r.Register(Command{Name: "weather", Aliases: []string{"w", "wx"}, Source: SourcePlugin, OwnerPlugin: "wx-plugin"})

	cmd, ok := r.Resolve("WX")
	require.True(t, ok)
	require.Equal(t, "weather", cmd.Name)
}

func TestParseInvocation(t *testing.T) {
	name, args, ok := ParseInvocation("/weather tokyo now", "/")
	require.True(t, ok)
	require.Equal(t, "weather", name)
	require.Equal(t, []string{"tokyo", "now"}, args)

	_, _, ok = ParseInvocation("hello there", "/")
	require.False(t, ok)
}
