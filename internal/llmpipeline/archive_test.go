package llmpipeline

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildZip(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestArchiveScoringPrefersKeywordMatch(t *testing.T) {
	data := buildZip(t, map[string][]byte{
		"logs/latest.log": bytes.Repeat([]byte("a"), 500*1024),
		"logs/debug.log":   bytes.Repeat([]byte("b"), 2*1024*1024),
	})

	entries, err := listArchiveEntries(ArchiveZip, data, 10*1024*1024)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	best, ok := SelectBestLogEntry(entries, []string{"latest"})
	require.True(t, ok)
	require.Equal(t, "logs/latest.log", best.Name)
}

func TestDetectArchiveKind(t *testing.T) {
	require.Equal(t, ArchiveZip, DetectArchiveKind("dump.zip"))
	require.Equal(t, ArchiveTarGz, DetectArchiveKind("dump.tar.gz"))
	require.Equal(t, ArchiveTarGz, DetectArchiveKind("dump.tgz"))
	require.Equal(t, ArchiveTar, DetectArchiveKind("dump.tar"))
	require.Equal(t, ArchiveGz, DetectArchiveKind("dump.gz"))
	require.Equal(t, ArchiveUnknown, DetectArchiveKind("dump.rar"))
}
