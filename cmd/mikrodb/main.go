// Command mikrodb is a thin demonstration binary around the embeddable
// engine in package mikrodb. Wiring it to a network protocol (HTTP, RESP,
// or otherwise) is explicitly out of scope for this repository (spec
// §1); this binary only proves the engine boots, recovers, and serves
// reads/writes, then sits idle running periodic expiry cleanup until
// asked to shut down.
//
// Usage:
//
//	mikrodb [flags]
//
// Flags:
//
//	-data string          Database directory (default "data")
//	-requirepass string   Envelope-encryption password (default: none)
//	-loglevel string       Log level: debug, info, warn, error (default: info)
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mikrodb/mikrodb"
	"github.com/mikrodb/mikrodb/internal/value"
	"github.com/mikrodb/mikrodb/internal/version"
)

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	dataDir := flag.String("data", envOrDefault("MIKRODB_DATA", "data"), "Database directory")
	password := flag.String("requirepass", envOrDefault("MIKRODB_PASSWORD", ""), "Envelope-encryption password")
	logLevel := flag.String("loglevel", envOrDefault("MIKRODB_LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))

	cfg := mikrodb.DefaultConfig()
	cfg.DatabaseDirectory = *dataDir
	cfg.EncryptionKey = *password

	db, err := mikrodb.Open(cfg, log)
	if err != nil {
		log.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	log.Info("mikrodb started", slog.String("data_dir", *dataDir))

	unsub := db.Subscribe(func(ev mikrodb.Event) {
		log.Debug("event", slog.String("operation", string(ev.Operation)), slog.String("table", ev.Table), slog.String("key", ev.Key))
	})
	defer db.Unsubscribe(unsub)

	runSmokeTest(db, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", slog.String("signal", sig.String()))
		cancel()
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("mikrodb shutdown complete")
			return
		case <-ticker.C:
			if err := db.CleanupExpiredItems(); err != nil {
				log.Error("expiry cleanup failed", slog.Any("error", err))
			}
		}
	}
}

func runSmokeTest(db *mikrodb.DB, log *slog.Logger) {
	ok, err := db.WriteOne(mikrodb.WriteOp{
		Table: "users",
		Key:   "u1",
		Value: value.FromNative(map[string]interface{}{"name": "Jane"}),
	}, mikrodb.WriteOptions{})
	if err != nil {
		log.Error("smoke test write failed", slog.Any("error", err))
		return
	}
	if !ok {
		log.Warn("smoke test write rejected")
		return
	}

	rec, err := db.Get("users", "u1")
	if err != nil {
		log.Error("smoke test get failed", slog.Any("error", err))
		return
	}
	fmt.Printf("users/u1 = %v (version %d)\n", rec.Value.Native(), rec.Version)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
