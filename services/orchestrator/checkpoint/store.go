// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checkpoint persists conversation state keyed by thread id.
//
// # Description
//
// A Store maps a thread id to the most recent ConversationState. Writes are
// whole-state replacements: a reader observes either the state before a Put
// or the state after it, never a mix. Stores hand out deep copies, so callers
// may mutate what they get back.
//
// # Backends
//
//   - sqlite: database/sql pool over modernc.org/sqlite with goose migrations (default)
//   - badger: embedded key-value store
//   - memory: process-local map, for tests and ephemeral deployments
//
// # Concurrency
//
// Every backend is safe for concurrent use and supports concurrent access to
// distinct thread ids. Two concurrent Puts for the same id resolve as
// last-write-wins. Callers that need per-thread serialization provide it
// themselves.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/qingpingwang/Agent-Test/services/orchestrator/datatypes"
)

// ErrNotFound is returned by Get when no state exists for the thread id.
var ErrNotFound = errors.New("checkpoint not found")

// Store persists conversation state.
type Store interface {
	// Get returns the stored state or ErrNotFound.
	Get(ctx context.Context, threadID string) (datatypes.ConversationState, error)

	// Put atomically replaces the stored state.
	Put(ctx context.Context, threadID string, state datatypes.ConversationState) error

	// InitIfAbsent stores initial when nothing exists yet. It reports whether
	// a new entry was created.
	InitIfAbsent(ctx context.Context, threadID string, initial datatypes.ConversationState) (bool, error)

	// Close releases the backend.
	Close() error
}

// Driver names a Store backend.
type Driver string

const (
	DriverBadger Driver = "badger"
	DriverSQLite Driver = "sqlite"
	DriverMemory Driver = "memory"
)

const (
	// DefaultDriver is used when Config.Driver is empty.
	DefaultDriver = DriverSQLite

	// DefaultSQLitePath is used when the sqlite driver has no path.
	DefaultSQLitePath = "data/checkpoints.db"
)

// Config selects and configures a backend.
type Config struct {
	// Driver selects the backend. Default: sqlite.
	Driver Driver `yaml:"driver"`

	// Path is the badger directory or the sqlite file.
	Path string `yaml:"path"`

	// SyncWrites fsyncs each badger commit before it is acknowledged.
	// Nil means true.
	SyncWrites *bool `yaml:"sync_writes,omitempty"`

	// GCInterval controls badger value log GC. Zero disables it.
	GCInterval time.Duration `yaml:"gc_interval"`

	// MaxOpenConns bounds the sqlite connection pool. Default: 4.
	MaxOpenConns int `yaml:"max_open_conns"`
}

// DefaultConfig returns the sqlite store under data/.
func DefaultConfig() Config {
	return Config{
		Driver:     DefaultDriver,
		Path:       DefaultSQLitePath,
		GCInterval: 10 * time.Minute,
	}
}

// SyncWritesEnabled resolves the nil default.
func (c Config) SyncWritesEnabled() bool {
	return c.SyncWrites == nil || *c.SyncWrites
}

// Open builds the configured Store and wraps it with metrics.
//
// # Description
//
// Opens the backend named by cfg.Driver, or DefaultDriver when it is empty.
// A sqlite store without a path uses DefaultSQLitePath. For sqlite the schema
// migrations run before the store is returned.
//
// # Outputs
//
//   - Store: Ready store. Call Close when done.
//   - error: Unknown driver or backend open failure.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		store Store
		err   error
	)
	if cfg.Driver == "" {
		cfg.Driver = DefaultDriver
	}
	switch cfg.Driver {
	case DriverBadger:
		store, err = NewBadgerStore(cfg, logger)
	case DriverSQLite:
		if cfg.Path == "" {
			cfg.Path = DefaultSQLitePath
		}
		store, err = NewSQLStore(ctx, cfg, logger)
	case DriverMemory:
		store = NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown checkpoint driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("Checkpoint store opened", "driver", cfg.Driver, "path", cfg.Path)
	return NewInstrumentedStore(store, string(cfg.Driver)), nil
}

// validateThreadID rejects ids no backend can key on.
func validateThreadID(threadID string) error {
	if threadID == "" {
		return errors.New("thread id must not be empty")
	}
	return nil
}
