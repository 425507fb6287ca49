// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// TestOpenDB_InMemory verifies in-memory database creation and JSON round trip.
func TestOpenDB_InMemory(t *testing.T) {
	db, err := OpenDB(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()
	assert.True(t, db.InMemory())

	ctx := context.Background()
	err = db.WithTxn(ctx, func(txn *badger.Txn) error {
		return SetJSON(txn, []byte("k"), record{Name: "a", Count: 2})
	})
	require.NoError(t, err)

	var got record
	err = db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return GetJSON(txn, []byte("k"), &got)
	})
	require.NoError(t, err)
	assert.Equal(t, record{Name: "a", Count: 2}, got)
}

// TestOpenDB_Persistent verifies data survives a close and reopen.
func TestOpenDB_Persistent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := OpenDB(DefaultConfig(dir))
	require.NoError(t, err)
	err = db.WithTxn(ctx, func(txn *badger.Txn) error {
		return SetJSON(txn, []byte("persist"), record{Name: "p"})
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = OpenDB(DefaultConfig(dir))
	require.NoError(t, err)
	defer db.Close()

	var got record
	err = db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return GetJSON(txn, []byte("persist"), &got)
	})
	require.NoError(t, err)
	assert.Equal(t, "p", got.Name)
}

func TestOpenDB_RequiresPath(t *testing.T) {
	_, err := OpenDB(Config{})
	assert.Error(t, err)
}

func TestOpenDB_RejectsBadRatio(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.GCDiscardRatio = 1.5
	_, err := OpenDB(cfg)
	assert.Error(t, err)
}

func TestGetJSON_NotFound(t *testing.T) {
	db, err := OpenDB(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()

	err = db.WithReadTxn(context.Background(), func(txn *badger.Txn) error {
		var r record
		return GetJSON(txn, []byte("missing"), &r)
	})
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestExists(t *testing.T) {
	db, err := OpenDB(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte("here"), []byte("1"))
	}))

	require.NoError(t, db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		ok, err := Exists(txn, []byte("here"))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = Exists(txn, []byte("gone"))
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

// TestDB_WithTxn_RollbackOnError verifies nothing is committed when fn fails.
func TestDB_WithTxn_RollbackOnError(t *testing.T) {
	db, err := OpenDB(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	boom := errors.New("boom")
	err = db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := txn.Set([]byte("k"), []byte("v")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	require.NoError(t, db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		ok, err := Exists(txn, []byte("k"))
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

func TestDB_WithTxn_ContextCancelled(t *testing.T) {
	db, err := OpenDB(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = db.WithTxn(ctx, func(txn *badger.Txn) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	err = db.WithReadTxn(ctx, func(txn *badger.Txn) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

// TestDB_CloseWithGC verifies the GC goroutine stops and Close is idempotent.
func TestDB_CloseWithGC(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.SyncWrites = false
	cfg.GCInterval = 10 * time.Millisecond

	db, err := OpenDB(cfg)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	assert.NoError(t, db.Close())
	assert.NoError(t, db.Close())
}
