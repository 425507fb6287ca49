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
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/datatypes"
	badgerstore "github.com/qingpingwang/Agent-Test/services/storage/badger"
)

const (
	threadKeyPrefix = "thread/"

	// maxConflictRetries bounds retries of InitIfAbsent when a concurrent
	// writer touched the same key.
	maxConflictRetries = 3
)

// BadgerStore persists states as JSON values in BadgerDB.
//
// # Description
//
// Each thread id maps to one key, "thread/<id>". Put is a single-key
// transaction, so a state is always replaced as a whole.
type BadgerStore struct {
	db *badgerstore.DB
}

var _ Store = (*BadgerStore)(nil)

// NewBadgerStore opens a BadgerDB at cfg.Path, or in memory when the path
// is empty.
func NewBadgerStore(cfg Config, logger *slog.Logger) (*BadgerStore, error) {
	if cfg.Path == "" {
		logger.Warn("Checkpoint path empty, badger running in memory")
	}
	dbCfg := badgerConfig(cfg)
	dbCfg.Logger = logger.With("component", "badger")

	db, err := badgerstore.OpenDB(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// badgerConfig maps a checkpoint Config onto the storage layer's options.
// Commits are fsynced unless SyncWrites is explicitly false.
func badgerConfig(cfg Config) badgerstore.Config {
	if cfg.Path == "" {
		return badgerstore.InMemoryConfig()
	}
	dbCfg := badgerstore.DefaultConfig(cfg.Path)
	dbCfg.SyncWrites = cfg.SyncWritesEnabled()
	dbCfg.GCInterval = cfg.GCInterval
	return dbCfg
}

// NewBadgerStoreFromDB wraps an already-open database.
func NewBadgerStoreFromDB(db *badgerstore.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func threadKey(threadID string) []byte {
	return []byte(threadKeyPrefix + threadID)
}

// Get implements Store.
func (b *BadgerStore) Get(ctx context.Context, threadID string) (datatypes.ConversationState, error) {
	var state datatypes.ConversationState
	err := b.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return badgerstore.GetJSON(txn, threadKey(threadID), &state)
	})
	if errors.Is(err, badgerstore.ErrKeyNotFound) {
		return datatypes.ConversationState{}, ErrNotFound
	}
	if err != nil {
		return datatypes.ConversationState{}, fmt.Errorf("badger get %s: %w", threadID, err)
	}
	return state, nil
}

// Put implements Store.
func (b *BadgerStore) Put(ctx context.Context, threadID string, state datatypes.ConversationState) error {
	if err := validateThreadID(threadID); err != nil {
		return err
	}
	err := b.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return badgerstore.SetJSON(txn, threadKey(threadID), state)
	})
	if err != nil {
		return fmt.Errorf("badger put %s: %w", threadID, err)
	}
	return nil
}

// InitIfAbsent implements Store.
func (b *BadgerStore) InitIfAbsent(ctx context.Context, threadID string, initial datatypes.ConversationState) (bool, error) {
	if err := validateThreadID(threadID); err != nil {
		return false, err
	}

	for attempt := 0; ; attempt++ {
		created := false
		err := b.db.WithTxn(ctx, func(txn *badger.Txn) error {
			exists, err := badgerstore.Exists(txn, threadKey(threadID))
			if err != nil || exists {
				return err
			}
			created = true
			return badgerstore.SetJSON(txn, threadKey(threadID), initial)
		})
		if errors.Is(err, badger.ErrConflict) && attempt < maxConflictRetries {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("badger init %s: %w", threadID, err)
		}
		return created, nil
	}
}

// Close implements Store.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}
