// Package mikrodb is the embeddable storage engine described by spec §1-9:
// a single-process, table-oriented key/value store with a write-ahead
// log, optional envelope encryption, an LRU table cache, a filter/query
// engine, and a change-data-capture hook. It is a library contract, not a
// server — wiring it to a network protocol (RESP, HTTP, or otherwise) is
// left to the embedding application, mirroring how the teacher's engine
// package stays independent of its RESP server.
package mikrodb

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mikrodb/mikrodb/internal/checkpoint"
	"github.com/mikrodb/mikrodb/internal/config"
	"github.com/mikrodb/mikrodb/internal/events"
	"github.com/mikrodb/mikrodb/internal/filter"
	"github.com/mikrodb/mikrodb/internal/table"
	"github.com/mikrodb/mikrodb/internal/value"
	"github.com/mikrodb/mikrodb/internal/wal"
)

// Re-export the types an embedding application needs to build requests
// and read results, so callers only need to import this one package.
type (
	Value        = value.Value
	Record       = table.Record
	KeyRecord    = table.KeyRecord
	WriteOp      = table.WriteOp
	WriteOptions = table.WriteOptions
	QueryOptions = filter.Options
	Expr         = filter.Expr
	Event        = events.Event
	Listener     = events.Listener
	Config       = config.Config
)

// DefaultConfig returns MikroDB's default configuration (spec §6).
func DefaultConfig() *Config { return config.DefaultConfig() }

// DB is the engine handle returned by Open. It is safe for concurrent
// use; every operation is serialized by the table manager's mutex (spec
// §5).
type DB struct {
	cfg    *Config
	log    *slog.Logger
	wal    *wal.WAL
	events *events.Hub
	tables *table.Manager
	ckpt   *checkpoint.Checkpoint
}

// Open brings up the engine: opens (or creates) the WAL, which starts its
// flush timer, constructs the table manager and the checkpoint, runs
// startup recovery against any leftover checkpoint marker, and starts the
// checkpoint timer. This
// mirrors the construction order forced by spec §9.3's narrow-interface
// design: the WAL must exist before the table manager, which must exist
// before the checkpoint, which the WAL is then given a late-bound handle
// to via wal.SetCheckpointRequester.
func Open(cfg *Config, log *slog.Logger) (*DB, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.Debug {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	if err := os.MkdirAll(cfg.DatabaseDirectory, 0o755); err != nil {
		return nil, fmt.Errorf("mikrodb: mkdir database directory: %w", err)
	}

	walPath := filepath.Join(cfg.DatabaseDirectory, walFileName(cfg))
	walCfg := wal.Config{
		MaxBufferEntries:        orDefault(cfg.MaxWALBufferEntries, 100),
		MaxBufferSize:           orDefault(cfg.MaxWALBufferSize, 10*1024),
		MaxSizeBeforeCheckpoint: cfg.MaxWALSizeBeforeCheckpoint,
		FlushInterval:           cfg.WALFlushInterval,
	}
	w, err := wal.Open(walPath, walCfg, nil, log)
	if err != nil {
		return nil, fmt.Errorf("mikrodb: open wal: %w", err)
	}

	hub := events.NewHub(cfg.EventTargets, log)

	tm, err := table.New(table.Config{
		DatabaseDirectory:      cfg.DatabaseDirectory,
		MaxWriteOpsBeforeFlush: cfg.MaxWriteOpsBeforeFlush,
		CacheLimit:             cfg.CacheLimit,
		EncryptionKey:          cfg.EncryptionKey,
	}, w, hub, log, nil)
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("mikrodb: init table manager: %w", err)
	}

	markerPath := walPath + ".checkpoint"
	ckpt := checkpoint.New(w, tm, markerPath, cfg.CheckpointInterval, log)
	w.SetCheckpointRequester(ckpt)

	if err := ckpt.StartupRecovery(); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("mikrodb: startup recovery: %w", err)
	}
	ckpt.StartTimer()

	return &DB{cfg: cfg, log: log, wal: w, events: hub, tables: tm, ckpt: ckpt}, nil
}

func walFileName(cfg *Config) string {
	if cfg.WALFileName == "" {
		return "wal.log"
	}
	return cfg.WALFileName
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Close stops background timers and flushes outstanding state (spec §5's
// shutdown sequence): a final WAL flush, a final checkpoint, then the WAL
// file is closed.
func (db *DB) Close() error {
	db.ckpt.StopTimer()
	if err := db.tables.Flush(); err != nil {
		db.log.Error("final flush before close failed", slog.Any("error", err))
	}
	if err := db.ckpt.Run(true); err != nil {
		db.log.Error("final checkpoint before close failed", slog.Any("error", err))
	}
	return db.wal.Close()
}

// Get returns the record stored under key in table.
func (db *DB) Get(table, key string) (Record, error) {
	return db.tables.Get(table, key)
}

// GetAll returns every live (key, record) pair in table.
func (db *DB) GetAll(table string) ([]KeyRecord, error) {
	return db.tables.GetAll(table)
}

// Query returns a filtered, sorted, and sliced set of values from table
// (spec §4.6).
func (db *DB) Query(table string, opts QueryOptions) ([]Value, error) {
	return db.tables.Query(table, opts)
}

// GetTableSize returns the number of live keys in table.
func (db *DB) GetTableSize(table string) (int, error) {
	return db.tables.GetTableSize(table)
}

// Write commits a batch of writes, returning true iff every op committed
// (spec §4.4).
func (db *DB) Write(ops []WriteOp, opts WriteOptions) (bool, error) {
	return db.tables.Write(ops, opts)
}

// WriteOne commits a single write.
func (db *DB) WriteOne(op WriteOp, opts WriteOptions) (bool, error) {
	return db.tables.WriteOne(op, opts)
}

// Delete removes key from table, honoring expectedVersion if non-nil.
func (db *DB) Delete(table, key string, expectedVersion *uint32) (bool, error) {
	return db.tables.Delete(table, key, expectedVersion)
}

// DeleteTable drops table from the in-memory cache. Its on-disk file is
// left untouched (spec §9.4).
func (db *DB) DeleteTable(table string) error {
	return db.tables.DeleteTable(table)
}

// Flush forces the WAL and pending write buffer to disk.
func (db *DB) Flush() error {
	return db.tables.Flush()
}

// Checkpoint forces a full checkpoint: every referenced table is flushed
// to disk and the WAL is truncated (spec §4.7).
func (db *DB) Checkpoint() error {
	return db.ckpt.Run(true)
}

// CleanupExpiredItems scans resident tables for expired records, removes
// them, logs their deletion to the WAL, and emits item.expired.
func (db *DB) CleanupExpiredItems() error {
	return db.tables.CleanupExpiredItems()
}

// Dump writes a JSON snapshot of table (or every resident table, if table
// is empty) for operator inspection.
func (db *DB) Dump(table string) error {
	return db.tables.Dump(table)
}

// Subscribe registers a change-data-capture listener (spec §4.8).
func (db *DB) Subscribe(l Listener) uint64 {
	return db.events.Subscribe(l)
}

// Unsubscribe removes a previously registered listener.
func (db *DB) Unsubscribe(id uint64) {
	db.events.Unsubscribe(id)
}
