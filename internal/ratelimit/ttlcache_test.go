package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCheckAndSetFirstWins(t *testing.T) {
	c := NewTTLCache[struct{}](time.Minute)
	require.True(t, c.CheckAndSet("k", struct{}{}))
	require.False(t, c.CheckAndSet("k", struct{}{}))
}

func TestCheckAndSetResetsAfterTTL(t *testing.T) {
	c := NewTTLCache[struct{}](20 * time.Millisecond)
	require.True(t, c.CheckAndSet("k", struct{}{}))
	require.False(t, c.CheckAndSet("k", struct{}{}))

	time.Sleep(45 * time.Millisecond)
	require.True(t, c.CheckAndSet("k", struct{}{}))
}

func TestGetExpiresLazily(t *testing.T) {
	c := NewTTLCache[int](20 * time.Millisecond)
	c.Set("k", 7)

	v, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, 7, v)

	time.Sleep(30 * time.Millisecond)
	_, ok = c.Get("k")
	require.False(t, ok)
}

func TestDistinctKeysIndependent(t *testing.T) {
	c := NewTTLCache[struct{}](time.Minute)
	require.True(t, c.CheckAndSet("a", struct{}{}))
	require.True(t, c.CheckAndSet("b", struct{}{}))
}
