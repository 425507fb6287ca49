// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/datatypes"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	sqliteDriverName       = "sqlite"
	defaultSQLMaxOpenConns = 4
)

// SQLStore persists states as JSON rows in SQLite.
//
// # Description
//
// One row per thread id. The schema is owned by the embedded goose
// migrations and brought up to date when the store opens. Put is a single
// upsert statement, so the row is replaced atomically.
//
// # Limitations
//
//   - SQLite serializes writers. busy_timeout absorbs short contention.
type SQLStore struct {
	db *sql.DB
}

var _ Store = (*SQLStore)(nil)

// sqliteDSN builds a modernc.org/sqlite DSN with the pragmas every
// connection needs.
func sqliteDSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
}

// NewSQLStore opens the sqlite file at cfg.Path and runs migrations.
//
// # Outputs
//
//   - *SQLStore: Ready store.
//   - error: Missing path, open failure or migration failure.
func NewSQLStore(ctx context.Context, cfg Config, logger *slog.Logger) (*SQLStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite checkpoint store requires a path")
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create sqlite directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open(sqliteDriverName, sqliteDSN(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.Path, err)
	}
	maxConns := cfg.MaxOpenConns
	if maxConns <= 0 {
		maxConns = defaultSQLMaxOpenConns
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", cfg.Path, err)
	}
	if err := migrate(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

// migrate applies pending goose migrations from the embedded directory.
func migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("run checkpoint migrations: %w", err)
	}
	for _, r := range results {
		logger.Info("Applied checkpoint migration", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, threadID string) (datatypes.ConversationState, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM checkpoints WHERE thread_id = ?`, threadID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return datatypes.ConversationState{}, ErrNotFound
	}
	if err != nil {
		return datatypes.ConversationState{}, fmt.Errorf("sqlite get %s: %w", threadID, err)
	}

	var state datatypes.ConversationState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return datatypes.ConversationState{}, fmt.Errorf("decode checkpoint %s: %w", threadID, err)
	}
	return state, nil
}

// Put implements Store.
func (s *SQLStore) Put(ctx context.Context, threadID string, state datatypes.ConversationState) error {
	if err := validateThreadID(threadID); err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", threadID, err)
	}
	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, state, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		threadID, string(data), now, now)
	if err != nil {
		return fmt.Errorf("sqlite put %s: %w", threadID, err)
	}
	return nil
}

// InitIfAbsent implements Store.
func (s *SQLStore) InitIfAbsent(ctx context.Context, threadID string, initial datatypes.ConversationState) (bool, error) {
	if err := validateThreadID(threadID); err != nil {
		return false, err
	}
	data, err := json.Marshal(initial)
	if err != nil {
		return false, fmt.Errorf("encode checkpoint %s: %w", threadID, err)
	}
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, state, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(thread_id) DO NOTHING`,
		threadID, string(data), now, now)
	if err != nil {
		return false, fmt.Errorf("sqlite init %s: %w", threadID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite init %s: %w", threadID, err)
	}
	return n == 1, nil
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
