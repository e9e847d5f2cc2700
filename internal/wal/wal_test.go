package wal

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FlushInterval = 0 // disable the background timer; tests flush explicitly
	return cfg
}

func rawJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return json.RawMessage(b)
}

func TestWAL_AppendAndLoad(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "test.wal")

	w, err := Open(walPath, testConfig(), nil, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append(Entry{
		Timestamp: 1000, Op: OpWrite, Table: "users", Version: 1, Key: "u1",
		RawValue: rawJSON(t, map[string]string{"name": "Jane"}),
	}))
	require.NoError(t, w.Append(Entry{
		Timestamp: 1001, Op: OpDelete, Table: "users", Version: 1, Key: "u1",
		RawValue: json.RawMessage("null"),
	}))

	entries, err := w.LoadWAL("users", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, OpWrite, entries[0].Op)
	assert.Equal(t, "u1", entries[0].Key)
	assert.Equal(t, OpDelete, entries[1].Op)
}

func TestWAL_LoadWALCursorIsPerTable(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "test.wal")

	w, err := Open(walPath, testConfig(), nil, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append(Entry{Timestamp: 1, Op: OpWrite, Table: "a", Version: 1, Key: "k1", RawValue: json.RawMessage("1")}))
	require.NoError(t, w.Append(Entry{Timestamp: 2, Op: OpWrite, Table: "b", Version: 1, Key: "k2", RawValue: json.RawMessage("2")}))

	entriesA, err := w.LoadWAL("a", 0)
	require.NoError(t, err)
	require.Len(t, entriesA, 1)

	// A second LoadWAL for the same table with nothing new appended since
	// returns empty: the cursor already delivered everything (idempotent
	// replay, spec §8).
	entriesA2, err := w.LoadWAL("a", 0)
	require.NoError(t, err)
	assert.Empty(t, entriesA2)

	entriesB, err := w.LoadWAL("b", 0)
	require.NoError(t, err)
	require.Len(t, entriesB, 1)
	assert.Equal(t, "k2", entriesB[0].Key)
}

func TestWAL_LoadWALSkipsExpiredEntries(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "test.wal")

	w, err := Open(walPath, testConfig(), nil, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append(Entry{
		Timestamp: 1, Op: OpWrite, Table: "t", Version: 1, Key: "expired",
		Expiration: 500, RawValue: json.RawMessage("1"),
	}))
	require.NoError(t, w.Append(Entry{
		Timestamp: 2, Op: OpWrite, Table: "t", Version: 1, Key: "alive",
		Expiration: 0, RawValue: json.RawMessage("2"),
	}))

	entries, err := w.LoadWAL("t", 1000)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "alive", entries[0].Key)
}

func TestWAL_ReferencedTables(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "test.wal")

	w, err := Open(walPath, testConfig(), nil, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append(Entry{Timestamp: 1, Op: OpWrite, Table: "a", Version: 1, Key: "k", RawValue: json.RawMessage("1")}))
	require.NoError(t, w.Append(Entry{Timestamp: 2, Op: OpWrite, Table: "b", Version: 1, Key: "k", RawValue: json.RawMessage("1")}))
	require.NoError(t, w.Append(Entry{Timestamp: 3, Op: OpWrite, Table: "a", Version: 2, Key: "k2", RawValue: json.RawMessage("1")}))

	tables, err := w.ReferencedTables()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, tables)
}

func TestWAL_TruncateResetsCursors(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "test.wal")

	w, err := Open(walPath, testConfig(), nil, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append(Entry{Timestamp: 1, Op: OpWrite, Table: "t", Version: 1, Key: "k", RawValue: json.RawMessage("1")}))
	_, err = w.LoadWAL("t", 0)
	require.NoError(t, err)

	require.NoError(t, w.Truncate())

	size, err := w.Size()
	require.NoError(t, err)
	assert.Zero(t, size)

	require.NoError(t, w.Append(Entry{Timestamp: 2, Op: OpWrite, Table: "t", Version: 1, Key: "k2", RawValue: json.RawMessage("1")}))
	entries, err := w.LoadWAL("t", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "k2", entries[0].Key)
}

func TestWAL_RecoveryAcrossReopen(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "test.wal")

	w, err := Open(walPath, testConfig(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, w.Append(Entry{Timestamp: 1, Op: OpWrite, Table: "t", Version: 1, Key: "k", RawValue: json.RawMessage("1")}))
	require.NoError(t, w.Close())

	w2, err := Open(walPath, testConfig(), nil, nil)
	require.NoError(t, err)
	defer w2.Close()

	entries, err := w2.LoadWAL("t", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "k", entries[0].Key)
}

func TestWAL_BufferedAppendFlushesOnThreshold(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "test.wal")

	cfg := testConfig()
	cfg.MaxBufferEntries = 2
	w, err := Open(walPath, cfg, nil, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append(Entry{Timestamp: 1, Op: OpWrite, Table: "t", Version: 1, Key: "k1", RawValue: json.RawMessage("1")}))
	size1, err := w.Size()
	require.NoError(t, err)
	assert.Zero(t, size1, "buffer should not be flushed to disk yet")

	require.NoError(t, w.Append(Entry{Timestamp: 2, Op: OpWrite, Table: "t", Version: 1, Key: "k2", RawValue: json.RawMessage("1")}))
	size2, err := w.Size()
	require.NoError(t, err)
	assert.NotZero(t, size2, "buffer should have flushed once the entry count threshold was reached")
}

func TestWAL_ValidateKeyRejectsWhitespace(t *testing.T) {
	assert.Error(t, ValidateKey("has space"))
	assert.Error(t, ValidateKey("has\ttab"))
	assert.NoError(t, ValidateKey("clean-key"))
}

func TestWAL_SizeTriggeredCheckpointRequest(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "test.wal")

	requested := make(chan struct{}, 1)
	requester := checkpointerFunc(func() { requested <- struct{}{} })

	cfg := testConfig()
	cfg.MaxSizeBeforeCheckpoint = 1 // any non-empty flush exceeds this
	w, err := Open(walPath, cfg, requester, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append(Entry{Timestamp: 1, Op: OpWrite, Table: "t", Version: 1, Key: "k", RawValue: json.RawMessage("1")}))
	require.NoError(t, w.Flush())

	select {
	case <-requested:
	case <-time.After(time.Second):
		t.Fatal("expected a checkpoint request after exceeding MaxSizeBeforeCheckpoint")
	}
}

type checkpointerFunc func()

func (f checkpointerFunc) CheckpointRequested() { f() }
