package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikrodb/mikrodb/internal/mikroerr"
	"github.com/mikrodb/mikrodb/internal/wal"
)

type fakeFlusher struct {
	mu      sync.Mutex
	flushed []string
	failOn  string
}

func (f *fakeFlusher) FlushTableToDisk(table string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if table == f.failOn {
		return assert.AnError
	}
	f.flushed = append(f.flushed, table)
	return nil
}

func newTestWAL(t *testing.T) (*wal.WAL, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")
	cfg := wal.DefaultConfig()
	cfg.FlushInterval = 0
	w, err := wal.Open(path, cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, path
}

func TestRun_FlushesReferencedTablesAndTruncates(t *testing.T) {
	w, path := newTestWAL(t)
	require.NoError(t, w.Append(wal.Entry{Timestamp: 1, Op: wal.OpWrite, Table: "a", Version: 1, Key: "k", RawValue: json.RawMessage("1")}))
	require.NoError(t, w.Append(wal.Entry{Timestamp: 2, Op: wal.OpWrite, Table: "b", Version: 1, Key: "k", RawValue: json.RawMessage("1")}))

	flusher := &fakeFlusher{}
	ckpt := New(w, flusher, path+".checkpoint", 0, nil)

	require.NoError(t, ckpt.Run(true))

	assert.ElementsMatch(t, []string{"a", "b"}, flusher.flushed)

	size, err := w.Size()
	require.NoError(t, err)
	assert.Zero(t, size, "wal should be truncated after a successful checkpoint")

	_, err = os.Stat(path + ".checkpoint")
	assert.True(t, os.IsNotExist(err), "marker file should be removed on success")
}

func TestRun_ContinuesPastSingleTableFailure(t *testing.T) {
	w, path := newTestWAL(t)
	require.NoError(t, w.Append(wal.Entry{Timestamp: 1, Op: wal.OpWrite, Table: "bad", Version: 1, Key: "k", RawValue: json.RawMessage("1")}))
	require.NoError(t, w.Append(wal.Entry{Timestamp: 2, Op: wal.OpWrite, Table: "good", Version: 1, Key: "k", RawValue: json.RawMessage("1")}))

	flusher := &fakeFlusher{failOn: "bad"}
	ckpt := New(w, flusher, path+".checkpoint", 0, nil)

	err := ckpt.Run(true)
	require.Error(t, err, "a failing table's error is still reported to the caller")
	assert.ErrorIs(t, err, mikroerr.ErrCheckpointFailure)

	assert.Equal(t, []string{"good"}, flusher.flushed,
		"the failing table must not abort the remaining tables (spec §4.7 step 6)")

	size, err := w.Size()
	require.NoError(t, err)
	assert.Zero(t, size, "wal must still be truncated despite the per-table failure")

	_, statErr := os.Stat(path + ".checkpoint")
	assert.True(t, os.IsNotExist(statErr), "marker must still be removed once truncation completes")
}

func TestStartupRecovery_ForcesCheckpointWhenMarkerPresent(t *testing.T) {
	w, path := newTestWAL(t)
	require.NoError(t, w.Append(wal.Entry{Timestamp: 1, Op: wal.OpWrite, Table: "a", Version: 1, Key: "k", RawValue: json.RawMessage("1")}))

	markerPath := path + ".checkpoint"
	require.NoError(t, os.WriteFile(markerPath, []byte("in-progress\n"), 0o644))

	flusher := &fakeFlusher{}
	ckpt := New(w, flusher, markerPath, 0, nil)

	require.NoError(t, ckpt.StartupRecovery())
	assert.Contains(t, flusher.flushed, "a")

	_, err := os.Stat(markerPath)
	assert.True(t, os.IsNotExist(err))
}

func TestStartupRecovery_NoOpWhenNoMarker(t *testing.T) {
	w, path := newTestWAL(t)
	flusher := &fakeFlusher{}
	ckpt := New(w, flusher, path+".checkpoint", 0, nil)

	require.NoError(t, ckpt.StartupRecovery())
	assert.Empty(t, flusher.flushed)
}

func TestRun_SkipsWhenWithinIntervalAndNotForced(t *testing.T) {
	w, path := newTestWAL(t)
	flusher := &fakeFlusher{}
	ckpt := New(w, flusher, path+".checkpoint", time.Hour, nil)

	ckpt.mu.Lock()
	ckpt.lastCheckpointTime = time.Now()
	ckpt.mu.Unlock()

	require.NoError(t, w.Append(wal.Entry{Timestamp: 1, Op: wal.OpWrite, Table: "a", Version: 1, Key: "k", RawValue: json.RawMessage("1")}))
	require.NoError(t, w.Flush())

	// Within the interval a non-forced run is throttled: nothing is
	// flushed and the WAL is left alone.
	require.NoError(t, ckpt.Run(false))
	assert.Empty(t, flusher.flushed)
	size, err := w.Size()
	require.NoError(t, err)
	assert.NotZero(t, size)

	// Force bypasses the throttle.
	require.NoError(t, ckpt.Run(true))
	assert.Equal(t, []string{"a"}, flusher.flushed)
}

func TestRun_SkipsWhenAlreadyInProgressAndNotForced(t *testing.T) {
	w, path := newTestWAL(t)
	flusher := &fakeFlusher{}
	ckpt := New(w, flusher, path+".checkpoint", 0, nil)

	ckpt.mu.Lock()
	ckpt.inProgress = true
	ckpt.mu.Unlock()

	require.NoError(t, ckpt.Run(false))
	assert.Empty(t, flusher.flushed)
}
