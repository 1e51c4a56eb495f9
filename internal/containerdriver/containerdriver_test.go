package containerdriver

import (
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
)

func TestBuildPortConfigAutoAssign(t *testing.T) {
	exposed, bindings, err := buildPortConfig(map[string]string{"3001/tcp": ""})
	require.NoError(t, err)
	require.Contains(t, exposed, nat.Port("3001/tcp"))
	require.Equal(t, "0.0.0.0", bindings[nat.Port("3001/tcp")][0].HostIP)
	require.Empty(t, bindings[nat.Port("3001/tcp")][0].HostPort)
}

func TestBuildPortConfigFixedHostPort(t *testing.T) {
	_, bindings, err := buildPortConfig(map[string]string{"6099/tcp": "16099"})
	require.NoError(t, err)
	require.Equal(t, "16099", bindings[nat.Port("6099/tcp")][0].HostPort)
}
