// Package table implements MikroDB's table manager (spec §4.4): the
// in-memory table cache, and the owner of the codec, WAL, cache tracker,
// filter engine, and event hook that the public get/write/delete surface
// is built on.
package table

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/mikrodb/mikrodb/internal/cache"
	"github.com/mikrodb/mikrodb/internal/codec"
	mcrypto "github.com/mikrodb/mikrodb/internal/crypto"
	"github.com/mikrodb/mikrodb/internal/events"
	"github.com/mikrodb/mikrodb/internal/value"
	"github.com/mikrodb/mikrodb/internal/wal"
)

// Clock lets tests substitute a deterministic clock; production code uses
// nowMillis (time.Now in epoch milliseconds).
type Clock func() int64

// Config is the subset of engine configuration the table manager needs
// directly (spec §6).
type Config struct {
	DatabaseDirectory       string
	MaxWriteOpsBeforeFlush  int
	CacheLimit              int
	EncryptionKey           string // empty = no encryption
}

type pendingOp struct {
	table  string
	key    string
	record Record
	isWrite bool // false = delete
}

// Manager owns every resident table and serializes all mutating
// operations through its mutex, matching the single-actor model of spec
// §5: within one process there is exactly one logical owner of the
// caches and buffers.
type Manager struct {
	mu sync.Mutex

	dir       string
	cfg       Config
	cryptoKey []byte

	wal    *wal.WAL
	cache  *cache.Tracker
	events *events.Hub
	log    *slog.Logger
	clock  Clock

	tables  map[string]map[string]*Record
	primed  map[string]bool // table has been loaded/created + had WAL replay applied

	pending []pendingOp
}

// New constructs a Manager. The WAL is expected to already be open; the
// Manager does not own its lifecycle beyond using it.
func New(cfg Config, w *wal.WAL, hub *events.Hub, log *slog.Logger, clock Clock) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	if clock == nil {
		clock = func() int64 { return nowMillis() }
	}

	var key []byte
	if cfg.EncryptionKey != "" {
		k, err := mcrypto.DeriveKey(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("table: derive encryption key: %w", err)
		}
		key = k
	}

	if err := os.MkdirAll(cfg.DatabaseDirectory, 0o755); err != nil {
		return nil, fmt.Errorf("table: mkdir database directory: %w", err)
	}

	return &Manager{
		dir:       cfg.DatabaseDirectory,
		cfg:       cfg,
		cryptoKey: key,
		wal:       w,
		cache:     cache.New(),
		events:    hub,
		log:       log.With(slog.String("component", "table")),
		clock:     clock,
		tables:    make(map[string]map[string]*Record),
		primed:    make(map[string]bool),
	}, nil
}

func cacheLimit(cfg Config) int {
	if cfg.CacheLimit <= 0 {
		return 100
	}
	return cfg.CacheLimit
}

func maxWriteOpsBeforeFlush(cfg Config) int {
	if cfg.MaxWriteOpsBeforeFlush <= 0 {
		return 200
	}
	return cfg.MaxWriteOpsBeforeFlush
}

// filePath returns the on-disk path of a table's file.
func (m *Manager) filePath(table string) string {
	return filepath.Join(m.dir, table)
}

// ensureTableActive loads table from disk (or creates it empty) if it is
// not yet resident, applies any WAL entries not yet delivered to it, and
// runs eviction if the cache is now over its limit. Must be called with
// m.mu held.
func (m *Manager) ensureTableActive(table string) error {
	if !m.primed[table] {
		records, err := m.loadFromDisk(table)
		if err != nil {
			return err
		}
		m.tables[table] = records
		m.primed[table] = true
	}

	if err := m.applyWAL(table); err != nil {
		return err
	}

	m.cache.TrackTableAccess(table)
	m.evictIfNeeded()
	return nil
}

// loadFromDisk reads and decodes a table file, returning an empty table on
// corruption (spec §4.1, §7) and on missing file.
func (m *Manager) loadFromDisk(table string) (map[string]*Record, error) {
	out := make(map[string]*Record)

	data, err := os.ReadFile(m.filePath(table))
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("table: read %s: %w", table, err)
	}

	if m.cryptoKey != nil && mcrypto.LooksEncrypted(data) {
		plain, derr := mcrypto.Open(m.cryptoKey, data)
		if derr != nil {
			m.log.Warn("decryption failed, treating table as plaintext", slog.String("table", table), slog.Any("error", derr))
		} else {
			data = plain
		}
	}

	records, derr := codec.Decode(data, m.clock())
	if derr != nil {
		m.log.Warn("table file corrupted, reinitializing empty", slog.String("table", table), slog.Any("error", derr))
		return out, nil
	}

	for _, r := range records {
		out[r.Key] = &Record{
			Value:      r.Value,
			Version:    r.Version,
			Timestamp:  int64(r.Timestamp),
			Expiration: int64(r.Expiration),
		}
	}
	return out, nil
}

// applyWAL delivers undelivered WAL entries for table into memory. Must
// be called with m.mu held.
func (m *Manager) applyWAL(table string) error {
	entries, err := m.wal.LoadWAL(table, m.clock())
	if err != nil {
		return fmt.Errorf("table: replay wal for %s: %w", table, err)
	}
	tbl := m.tables[table]
	for _, e := range entries {
		switch e.Op {
		case wal.OpWrite:
			var native interface{}
			if err := json.Unmarshal(e.RawValue, &native); err != nil {
				m.log.Warn("skipping malformed wal value during replay", slog.String("table", table), slog.String("key", e.Key))
				continue
			}
			tbl[e.Key] = &Record{
				Value:      value.FromNative(native),
				Version:    e.Version,
				Timestamp:  e.Timestamp,
				Expiration: e.Expiration,
			}
		case wal.OpDelete:
			delete(tbl, e.Key)
		}
	}
	return nil
}

// evictIfNeeded persists and drops LRU tables down to the cache limit.
// Must be called with m.mu held.
func (m *Manager) evictIfNeeded() {
	limit := cacheLimit(m.cfg)
	victims := m.cache.FindTablesForEviction(len(m.tables), limit)
	for _, victim := range victims {
		if err := m.flushTableToDiskLocked(victim); err != nil {
			m.log.Error("failed to persist table before eviction", slog.String("table", victim), slog.Any("error", err))
		}
		delete(m.tables, victim)
		delete(m.primed, victim)
	}
}

func nowMillis() int64 {
	return timeNowUnixMilli()
}
