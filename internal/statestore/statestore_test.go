package statestore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutBotPersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, s.PutBot(&BotInstance{ID: "bot-1", OwnerID: "u1", Platform: "discord"}))

	got, ok := s.GetBot("bot-1")
	require.True(t, ok)
	require.Equal(t, "u1", got.OwnerID)
	require.False(t, got.CreatedAt.IsZero())

	s2, err := New(dir)
	require.NoError(t, err)
	reloaded, ok := s2.GetBot("bot-1")
	require.True(t, ok)
	require.Equal(t, got.ID, reloaded.ID)
}

func TestUpdateBotAbortsOnError(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.PutBot(&BotInstance{ID: "bot-1", DisplayName: "orig"}))

	err = s.UpdateBot("bot-1", func(b *BotInstance) error {
		b.DisplayName = "changed"
		return errBoom
	})
	require.Error(t, err)

	got, _ := s.GetBot("bot-1")
	require.Equal(t, "orig", got.DisplayName)
}

func TestDeleteBotRemovesFromStore(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.PutBot(&BotInstance{ID: "bot-1"}))
	require.NoError(t, s.DeleteBot("bot-1"))

	_, ok := s.GetBot("bot-1")
	require.False(t, ok)
}

func TestTaskHistoryRecordsTerminalTasksOnly(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	defer s.Close()

	s.PutTask(&BackgroundTask{ID: "t1", Kind: "pull", Status: "running"})
	s.PutTask(&BackgroundTask{ID: "t2", Kind: "pull", Status: "done", Message: "ok"})
	s.PutTask(&BackgroundTask{ID: "t3", Kind: "run", Status: "failed", Message: "boom"})

	hist, err := s.TaskHistory(10)
	require.NoError(t, err)
	require.Len(t, hist, 2)

	ids := map[string]bool{}
	for _, t := range hist {
		ids[t.ID] = true
	}
	require.True(t, ids["t2"])
	require.True(t, ids["t3"])
	require.False(t, ids["t1"])
}

func TestWriteAtomicLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.json")
	require.NoError(t, writeAtomic(path, map[string]int{"a": 1}))

	entries, err := filepathGlob(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func filepathGlob(dir string) ([]string, error) {
	return filepath.Glob(filepath.Join(dir, "*"))
}

var errBoom = &boomErr{}

type boomErr struct{}

func (*boomErr) Error() string { return "boom" }
