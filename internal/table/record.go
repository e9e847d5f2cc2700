package table

import "github.com/mikrodb/mikrodb/internal/value"

// Record is the unit stored under a key inside a table (spec §3).
type Record struct {
	Value      value.Value
	Version    uint32
	Timestamp  int64 // epoch ms of last write
	Expiration int64 // epoch ms deadline, 0 = none
}

// Expired reports whether the record's expiration has passed as of
// nowMillis.
func (r Record) Expired(nowMillis int64) bool {
	return r.Expiration != 0 && r.Expiration <= nowMillis
}

// KeyRecord pairs a key with its Record, the shape returned by a
// no-options get (spec §4.4).
type KeyRecord struct {
	Key    string
	Record Record
}

// WriteOp is one record write, the unit of both single writes and
// batches (spec §4.4).
type WriteOp struct {
	Table           string
	Key             string
	Value           value.Value
	ExpectedVersion *uint32 // nil = no optimistic-concurrency check
	Expiration      int64   // 0 = none
}

// WriteOptions controls a Write call (spec §4.4).
type WriteOptions struct {
	ConcurrencyLimit int  // <= 0 defaults to 1 (fully sequential)
	FlushImmediately bool
}
