package pluginstorage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSafeKeyPassthrough(t *testing.T) {
	for _, key := range []string{"counter", "last-seen_2", "a.b.c", strings.Repeat("x", 64)} {
		require.Equal(t, key, SafeKey(key))
	}
}

func TestSafeKeyHashesUnsafeKeys(t *testing.T) {
	cases := []string{
		"../escape",
		"has space",
		"群聊记录",
		strings.Repeat("x", 65),
		"",
	}
	for _, key := range cases {
		safe := SafeKey(key)
		require.True(t, strings.HasPrefix(safe, "key_"), "key %q -> %q", key, safe)
		require.Len(t, safe, 4+64)
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Put("weather", "last_city", map[string]string{"city": "Tokyo"}))

	var got map[string]string
	ok, err := s.Get("weather", "last_city", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Tokyo", got["city"])
}

func TestGetMissingKeyReportsAbsent(t *testing.T) {
	s := New(t.TempDir())
	var dst any
	ok, err := s.Get("weather", "nope", &dst)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUnsafeKeyStaysInsidePluginDir(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.Put("p1", "../../outside", 42))

	entries, err := os.ReadDir(filepath.Join(dir, "plugins", "storage", "p1"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, strings.HasPrefix(entries[0].Name(), "key_"))

	_, err = os.Stat(filepath.Join(dir, "outside.json"))
	require.True(t, os.IsNotExist(err))
}

func TestInvalidPluginIDRejected(t *testing.T) {
	s := New(t.TempDir())
	require.Error(t, s.Put("../evil", "k", 1))
	require.Error(t, s.Purge(".."))
}

func TestDeleteAndPurge(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Put("p", "a", 1))
	require.NoError(t, s.Put("p", "b", 2))

	require.NoError(t, s.Delete("p", "a"))
	var dst int
	ok, err := s.Get("p", "a", &dst)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Purge("p"))
	ok, err = s.Get("p", "b", &dst)
	require.NoError(t, err)
	require.False(t, ok)
}
