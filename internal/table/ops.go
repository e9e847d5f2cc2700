package table

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/mikrodb/mikrodb/internal/cache"
	"github.com/mikrodb/mikrodb/internal/codec"
	mcrypto "github.com/mikrodb/mikrodb/internal/crypto"
	"github.com/mikrodb/mikrodb/internal/events"
	"github.com/mikrodb/mikrodb/internal/filter"
	"github.com/mikrodb/mikrodb/internal/mikroerr"
	"github.com/mikrodb/mikrodb/internal/value"
	"github.com/mikrodb/mikrodb/internal/wal"
)

const maxKeyBytes = 65535

// Get returns the current record for key in table, lazily deleting it if
// it has expired (spec §4.4, invariant 2).
func (m *Manager) Get(table, key string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureTableActive(table); err != nil {
		return Record{}, err
	}

	tbl := m.tables[table]
	rec, ok := tbl[key]
	if !ok {
		return Record{}, mikroerr.ErrNotFound
	}
	if rec.Expired(m.clock()) {
		delete(tbl, key)
		return Record{}, mikroerr.ErrNotFound
	}
	return *rec, nil
}

// GetAll returns every live (key, record) pair in table, lazily deleting
// any expired records encountered (spec §4.4).
func (m *Manager) GetAll(table string) ([]KeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureTableActive(table); err != nil {
		return nil, err
	}

	tbl := m.tables[table]
	now := m.clock()
	out := make([]KeyRecord, 0, len(tbl))
	for k, r := range tbl {
		if r.Expired(now) {
			delete(tbl, k)
			continue
		}
		out = append(out, KeyRecord{Key: k, Record: *r})
	}
	return out, nil
}

// Query returns a filtered, sorted, sliced sequence of values from table
// (spec §4.4, §4.6).
func (m *Manager) Query(table string, opts filter.Options) ([]value.Value, error) {
	rows, err := m.GetAll(table)
	if err != nil {
		return nil, err
	}

	candidates := make([]filter.Candidate, len(rows))
	for i, r := range rows {
		candidates[i] = filter.Candidate{Key: r.Key, Value: r.Record.Value}
	}
	selected := filter.Select(candidates, opts)

	out := make([]value.Value, len(selected))
	for i, c := range selected {
		out[i] = c.Value
	}
	return out, nil
}

// GetTableSize loads table if needed and returns its live key count (spec
// §4.4).
func (m *Manager) GetTableSize(table string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureTableActive(table); err != nil {
		return 0, err
	}
	return len(m.tables[table]), nil
}

// Write commits a batch of ops. It returns true iff every op committed;
// any version mismatch aborts the remainder of the batch (spec §4.4). A
// validation or I/O error is returned directly and ends the batch too.
// Per spec §9.2, a full flush always runs after the batch completes.
func (m *Manager) Write(ops []WriteOp, opts WriteOptions) (bool, error) {
	limit := opts.ConcurrencyLimit
	if limit <= 0 {
		limit = 1
	}

	allOK := true
outer:
	for i := 0; i < len(ops); i += limit {
		end := i + limit
		if end > len(ops) {
			end = len(ops)
		}
		slice := ops[i:end]

		results := make([]error, len(slice))
		var wg sync.WaitGroup
		for j, op := range slice {
			wg.Add(1)
			go func(j int, op WriteOp) {
				defer wg.Done()
				results[j] = m.writeOne(op)
			}(j, op)
		}
		wg.Wait()

		for _, err := range results {
			if err == nil {
				continue
			}
			if errors.Is(err, mikroerr.ErrVersionMismatch) {
				allOK = false
				continue
			}
			if ferr := m.Flush(); ferr != nil {
				m.log.Error("post-batch flush failed", slog.Any("error", ferr))
			}
			return false, err
		}
		if !allOK {
			break outer
		}
	}

	if err := m.Flush(); err != nil {
		return allOK, err
	}
	return allOK, nil
}

// WriteOne is a convenience wrapper around Write for a single op.
func (m *Manager) WriteOne(op WriteOp, opts WriteOptions) (bool, error) {
	return m.Write([]WriteOp{op}, opts)
}

// writeOne implements the per-record write algorithm (spec §4.4, steps
// 1-6). Step 7 (flushImmediately) is handled by the caller.
func (m *Manager) writeOne(op WriteOp) error {
	if op.Table == "" {
		return fmt.Errorf("table: %w: table name required", mikroerr.ErrValidation)
	}
	if err := wal.ValidateKey(op.Key); err != nil {
		return fmt.Errorf("table: %w: %v", mikroerr.ErrValidation, err)
	}
	if len(op.Key) > maxKeyBytes {
		return fmt.Errorf("table: %w: key exceeds %d bytes", mikroerr.ErrValidation, maxKeyBytes)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureTableActive(op.Table); err != nil {
		return err
	}

	tbl := m.tables[op.Table]
	var currentVersion uint32
	if current, exists := tbl[op.Key]; exists {
		currentVersion = current.Version
	}
	if op.ExpectedVersion != nil && *op.ExpectedVersion != currentVersion {
		return mikroerr.ErrVersionMismatch
	}
	newVersion := currentVersion + 1
	now := m.clock()

	raw, err := marshalValue(op.Value)
	if err != nil {
		return fmt.Errorf("table: marshal value: %w", err)
	}

	if err := m.wal.Append(wal.Entry{
		Timestamp:  now,
		Op:         wal.OpWrite,
		Table:      op.Table,
		Version:    newVersion,
		Expiration: op.Expiration,
		Key:        op.Key,
		RawValue:   raw,
	}); err != nil {
		return fmt.Errorf("table: wal append: %w", err)
	}

	rec := Record{Value: op.Value, Version: newVersion, Timestamp: now, Expiration: op.Expiration}
	tbl[op.Key] = &rec

	m.pending = append(m.pending, pendingOp{table: op.Table, key: op.Key, record: rec, isWrite: true})
	if len(m.pending) >= maxWriteOpsBeforeFlush(m.cfg) {
		if err := m.flushWritesLocked(); err != nil {
			m.log.Error("flushWrites failed", slog.Any("error", err))
		}
	}
	return nil
}

// Delete removes key from table if present and its version (if checked)
// matches (spec §4.4).
func (m *Manager) Delete(table, key string, expectedVersion *uint32) (bool, error) {
	if table == "" {
		return false, fmt.Errorf("table: %w: table name required", mikroerr.ErrValidation)
	}
	if err := wal.ValidateKey(key); err != nil {
		return false, fmt.Errorf("table: %w: %v", mikroerr.ErrValidation, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureTableActive(table); err != nil {
		return false, err
	}

	tbl := m.tables[table]
	current, exists := tbl[key]
	if !exists {
		return false, nil
	}
	if expectedVersion != nil && *expectedVersion != current.Version {
		return false, nil
	}

	now := m.clock()
	if err := m.wal.Append(wal.Entry{
		Timestamp: now,
		Op:        wal.OpDelete,
		Table:     table,
		Version:   current.Version,
		Key:       key,
		RawValue:  json.RawMessage("null"),
	}); err != nil {
		return false, fmt.Errorf("table: wal append: %w", err)
	}

	delete(tbl, key)
	m.pending = append(m.pending, pendingOp{table: table, key: key, isWrite: false})
	return true, nil
}

// DeleteTable removes table's in-memory entry and emits table.deleted. Its
// on-disk file is left untouched (spec §4.4, §9.4).
func (m *Manager) DeleteTable(table string) error {
	m.mu.Lock()
	delete(m.tables, table)
	delete(m.primed, table)
	m.cache.Remove(table)
	m.mu.Unlock()

	m.events.Emit(events.Event{Operation: events.OpTableDeleted, Table: table})
	return nil
}

// Flush flushes the WAL buffer, then processes the pending write buffer
// (spec §4.4).
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.wal.Flush(); err != nil {
		return fmt.Errorf("table: flush wal: %w", err)
	}
	return m.flushWritesLocked()
}

// flushWritesLocked implements the flushWrites algorithm (spec §4.4).
// Must be called with m.mu held.
func (m *Manager) flushWritesLocked() error {
	if len(m.pending) == 0 {
		return nil
	}
	snapshot := m.pending
	m.pending = nil

	byTable := make(map[string][]pendingOp)
	for _, p := range snapshot {
		byTable[p.table] = append(byTable[p.table], p)
	}

	var wg sync.WaitGroup
	for table, ops := range byTable {
		wg.Add(1)
		go func(table string, ops []pendingOp) {
			defer wg.Done()
			for _, p := range ops {
				if p.isWrite {
					m.events.Emit(events.Event{
						Operation: events.OpItemWritten,
						Table:     table,
						Key:       p.key,
						Record:    recordPayload(p.record),
					})
				} else {
					m.events.Emit(events.Event{Operation: events.OpItemDeleted, Table: table, Key: p.key})
				}
			}
			// A table evicted or dropped since its ops were buffered has
			// already been persisted (or deliberately abandoned); encoding
			// the now-absent map would clobber its file with an empty image.
			if _, resident := m.tables[table]; !resident {
				return
			}
			if err := m.flushTableToDiskLocked(table); err != nil {
				m.log.Error("failed to flush table to disk", slog.String("table", table), slog.Any("error", err))
			}
		}(table, ops)
	}
	wg.Wait()
	return nil
}

// FlushTableToDisk ensures table is loaded and writes its full in-memory
// state to disk via an atomic replace. Exported for the checkpoint
// subsystem (spec §4.7).
func (m *Manager) FlushTableToDisk(table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureTableActive(table); err != nil {
		return err
	}
	return m.flushTableToDiskLocked(table)
}

func (m *Manager) flushTableToDiskLocked(table string) error {
	tbl := m.tables[table]
	records := make([]codec.Record, 0, len(tbl))
	for k, r := range tbl {
		records = append(records, codec.Record{
			Key:        k,
			Value:      r.Value,
			Version:    r.Version,
			Timestamp:  uint64(r.Timestamp),
			Expiration: uint64(r.Expiration),
		})
	}

	data := codec.Encode(records)
	if m.cryptoKey != nil {
		enc, err := mcrypto.Seal(m.cryptoKey, data)
		if err != nil {
			return fmt.Errorf("table: seal %s: %w", table, err)
		}
		data = enc
	}
	return m.atomicWriteFile(table, data)
}

func (m *Manager) atomicWriteFile(table string, data []byte) error {
	target := m.filePath(table)
	tmp := target + ".tmp." + uuid.NewString()

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("table: write temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("table: rename into place: %w", err)
	}
	return nil
}

// CleanupExpiredItems scans all resident tables, logs a WAL delete for
// each expired record, removes it from memory, and emits item.expired
// (spec §4.4).
func (m *Manager) CleanupExpiredItems() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	for table, tbl := range m.tables {
		expirable := make([]cache.ExpirableRecord, 0, len(tbl))
		for key, r := range tbl {
			expirable = append(expirable, cache.ExpirableRecord{Key: key, Expiration: r.Expiration})
		}
		for _, key := range cache.FindExpiredItems(expirable, now) {
			r := tbl[key]
			if err := m.wal.Append(wal.Entry{
				Timestamp: now,
				Op:        wal.OpDelete,
				Table:     table,
				Version:   r.Version,
				Key:       key,
				RawValue:  json.RawMessage("null"),
			}); err != nil {
				m.log.Error("failed to log expiration to wal", slog.String("table", table), slog.String("key", key), slog.Any("error", err))
				continue
			}
			delete(tbl, key)
			m.events.Emit(events.Event{Operation: events.OpItemExpired, Table: table, Key: key})
		}
	}
	return nil
}

// Dump writes a JSON snapshot of table (or, if table is empty, every
// resident table) to "<table>_dump.json" for operator use (spec §4.4).
func (m *Manager) Dump(table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if table != "" {
		if err := m.ensureTableActive(table); err != nil {
			return err
		}
		return m.dumpOneLocked(table)
	}
	for t := range m.tables {
		if err := m.dumpOneLocked(t); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) dumpOneLocked(table string) error {
	tbl := m.tables[table]
	out := make(map[string]interface{}, len(tbl))
	for k, r := range tbl {
		out[k] = map[string]interface{}{
			"value":      r.Value.Native(),
			"version":    r.Version,
			"timestamp":  r.Timestamp,
			"expiration": r.Expiration,
		}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("table: marshal dump: %w", err)
	}
	return os.WriteFile(filepath.Join(m.dir, table+"_dump.json"), data, 0o644)
}

func recordPayload(r Record) map[string]interface{} {
	return map[string]interface{}{
		"value":      r.Value.Native(),
		"version":    r.Version,
		"timestamp":  r.Timestamp,
		"expiration": r.Expiration,
	}
}

func marshalValue(v value.Value) (json.RawMessage, error) {
	b, err := json.Marshal(v.Native())
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
