package discordgateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	var b Backoff
	require.Equal(t, time.Second, b.Next())
	require.Equal(t, 2*time.Second, b.Next())
	require.Equal(t, 4*time.Second, b.Next())

	for i := 0; i < 10; i++ {
		b.Next()
	}
	require.Equal(t, 30*time.Second, b.Next())
}

func TestBackoffResetReturnsToStart(t *testing.T) {
	var b Backoff
	b.Next()
	b.Next()
	b.Reset()
	require.Equal(t, time.Second, b.Next())
}
