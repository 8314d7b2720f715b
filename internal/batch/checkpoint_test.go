package batch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zero-logement-vacant/zlv-address/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func strPtr(s string) *string { return &s }

func TestCheckpoint_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "checkpoint.json")

	cp, found, err := LoadCheckpoint(path)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, cp.LastCompletedPage)
	assert.Nil(t, cp.NextCursor)

	require.NoError(t, cp.Advance(1, strPtr("https://api.example/p?cursor=abc"), "a", "b"))
	require.NoError(t, SaveCheckpoint(path, cp))

	got, found, err := LoadCheckpoint(path)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, got.LastCompletedPage)
	require.NotNil(t, got.NextCursor)
	assert.Equal(t, "https://api.example/p?cursor=abc", *got.NextCursor)
	assert.Equal(t, []string{"a", "b"}, got.ProcessedIDs)
	assert.True(t, got.Processed("a"))
	assert.False(t, got.Processed("c"))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not be left behind")
}

func TestCheckpoint_JSONShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.json")
	require.NoError(t, SaveCheckpoint(path, &Checkpoint{}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"last_completed_page":0,"next_cursor":null,"processed_ids":[]}`, string(data))
}

func TestCheckpoint_Monotone(t *testing.T) {
	cp := &Checkpoint{}
	require.NoError(t, cp.Advance(1, nil))
	require.NoError(t, cp.Advance(2, nil, "x"))

	err := cp.Advance(2, nil)
	require.Error(t, err)
	assert.Equal(t, resilience.KindInvariant, resilience.KindOf(err))
	assert.Equal(t, 2, cp.LastCompletedPage)
}

func TestCheckpoint_AdvanceDedupIDs(t *testing.T) {
	cp := &Checkpoint{ProcessedIDs: []string{"a"}}
	require.NoError(t, cp.Advance(1, nil, "a", "b", "b"))
	assert.Equal(t, []string{"a", "b"}, cp.ProcessedIDs)
}

func TestLoadCheckpoint_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"last_completed_page":`), 0o644))

	_, _, err := LoadCheckpoint(path)
	require.Error(t, err)
	assert.Equal(t, resilience.KindDataQuality, resilience.KindOf(err))
}

func TestRemoveCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.json")
	require.NoError(t, SaveCheckpoint(path, &Checkpoint{}))
	require.NoError(t, RemoveCheckpoint(path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, RemoveCheckpoint(path))
}

func TestAcquireLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.lock")

	l, err := AcquireLock(path, false)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), l.Info.PID)

	info, err := ReadLock(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.PID)

	_, err = AcquireLock(path, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLocked)
	assert.Equal(t, resilience.KindConfig, resilience.KindOf(err))

	l2, err := AcquireLock(path, true)
	require.NoError(t, err)

	require.NoError(t, l2.Release())
	require.NoError(t, l2.Release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
