// Package config provides MikroDB's configuration struct and JSON
// load/save, matching the teacher's config package shape (spec §6).
package config

import (
	"encoding/json"
	"os"
	"time"
)

// Config holds every engine-level setting named in spec §6. Loading it
// from a file, flags, or the environment is left to the embedding
// application; MikroDB itself only consumes the struct.
type Config struct {
	// DatabaseDirectory is where table files, the WAL, and the checkpoint
	// marker live.
	DatabaseDirectory string `json:"database_directory"`

	// WALFileName is the WAL's file name inside DatabaseDirectory.
	WALFileName string `json:"wal_file_name"`

	// WALFlushInterval is how often the WAL's background timer forces a
	// flush.
	WALFlushInterval time.Duration `json:"wal_flush_interval"`

	// EncryptionKey, if non-empty, is the password table files are sealed
	// with via envelope encryption. The WAL itself stays plaintext (spec
	// §4.2, §4.3).
	EncryptionKey string `json:"encryption_key,omitempty"`

	// MaxWriteOpsBeforeFlush bounds the pending write buffer before the
	// table manager flushes tables to disk (spec §4.4).
	MaxWriteOpsBeforeFlush int `json:"max_write_ops_before_flush"`

	// CacheLimit is the maximum number of resident tables before LRU
	// eviction runs (spec §4.5).
	CacheLimit int `json:"cache_limit"`

	// MaxWALBufferEntries and MaxWALBufferSize bound the WAL's in-memory
	// buffer before an implicit flush (spec §4.3).
	MaxWALBufferEntries int `json:"max_wal_buffer_entries"`
	MaxWALBufferSize     int `json:"max_wal_buffer_size"`

	// MaxWALSizeBeforeCheckpoint requests a checkpoint once the WAL file
	// exceeds this many bytes; 0 disables the size trigger (spec §4.3).
	MaxWALSizeBeforeCheckpoint int64 `json:"max_wal_size_before_checkpoint"`

	// CheckpointInterval is how often the periodic checkpoint timer runs;
	// 0 disables it (spec §4.7).
	CheckpointInterval time.Duration `json:"checkpoint_interval"`

	// EventTargets are HTTP endpoints that receive a best-effort POST for
	// every change event (spec §4.8).
	EventTargets []string `json:"event_targets,omitempty"`

	// Debug enables verbose (slog.LevelDebug) logging.
	Debug bool `json:"debug"`
}

// DefaultConfig returns the defaults named throughout spec §4.3-§4.5 and
// §4.7.
func DefaultConfig() *Config {
	return &Config{
		DatabaseDirectory:          "data",
		WALFileName:                "wal.log",
		WALFlushInterval:           2 * time.Second,
		MaxWriteOpsBeforeFlush:     200,
		CacheLimit:                 100,
		MaxWALBufferEntries:        100,
		MaxWALBufferSize:           10 * 1024,
		MaxWALSizeBeforeCheckpoint: 0,
		CheckpointInterval:         2 * time.Second,
		Debug:                      false,
	}
}

// Load reads a JSON config file, falling back to defaults if it does not
// exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a JSON file.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
