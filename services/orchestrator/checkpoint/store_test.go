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
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/qingpingwang/Agent-Test/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends returns a constructor for every Store implementation so the same
// behaviour is checked against each of them.
func backends(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	logger := slog.Default()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"badger": func(t *testing.T) Store {
			s, err := NewBadgerStore(Config{Path: filepath.Join(t.TempDir(), "badger")}, logger)
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLStore(context.Background(), Config{Path: filepath.Join(t.TempDir(), "checkpoints.db")}, logger)
			require.NoError(t, err)
			return s
		},
	}
}

func sampleState(threadID string) datatypes.ConversationState {
	state := datatypes.NewConversationState(threadID)
	human := datatypes.NewHumanMessage("hi")
	call := datatypes.NewToolCallMessage("run-1", "", []datatypes.ToolCall{{ID: "c1", Name: "f", Arguments: `{"a":1}`}})
	result := datatypes.NewToolResultMessage("tool-1", "c1", "done")
	reply := datatypes.NewAIMessage("run-2", "hello")

	state.VisibleHistory = []datatypes.Message{human, call, result, reply}
	state.WorkingContext = []datatypes.Message{datatypes.NewSummaryMessage("earlier"), human, call, result, reply}
	state.Metadata.TurnCount = 1
	return state
}

func TestStore_GetMissing(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()

			_, err := s.Get(context.Background(), "nope")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

// TestStore_PutGetPreservesIDs verifies that a stored state comes back with
// every message id, kind and tool call intact.
func TestStore_PutGetPreservesIDs(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()
			ctx := context.Background()

			want := sampleState("t1")
			require.NoError(t, s.Put(ctx, "t1", want))

			got, err := s.Get(ctx, "t1")
			require.NoError(t, err)

			require.Len(t, got.VisibleHistory, len(want.VisibleHistory))
			for i := range want.VisibleHistory {
				assert.Equal(t, want.VisibleHistory[i].ID, got.VisibleHistory[i].ID)
				assert.Equal(t, want.VisibleHistory[i].Kind, got.VisibleHistory[i].Kind)
			}
			require.Len(t, got.WorkingContext, len(want.WorkingContext))
			assert.Equal(t, datatypes.KindSummary, got.WorkingContext[0].Kind)
			assert.Equal(t, want.WorkingContext[2].ToolCalls, got.WorkingContext[2].ToolCalls)
			assert.Equal(t, "c1", got.WorkingContext[3].ToolCallID)
			assert.Equal(t, 1, got.Metadata.TurnCount)
		})
	}
}

func TestStore_PutReplaces(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()
			ctx := context.Background()

			require.NoError(t, s.Put(ctx, "t1", sampleState("t1")))

			replacement := datatypes.NewConversationState("t1")
			replacement.WorkingContext = []datatypes.Message{datatypes.NewAIMessage("only", "x")}
			require.NoError(t, s.Put(ctx, "t1", replacement))

			got, err := s.Get(ctx, "t1")
			require.NoError(t, err)
			assert.Empty(t, got.VisibleHistory)
			require.Len(t, got.WorkingContext, 1)
			assert.Equal(t, "only", got.WorkingContext[0].ID)
		})
	}
}

// TestStore_InitIfAbsent verifies init is idempotent and never overwrites.
func TestStore_InitIfAbsent(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()
			ctx := context.Background()

			created, err := s.InitIfAbsent(ctx, "t1", datatypes.NewConversationState("t1"))
			require.NoError(t, err)
			assert.True(t, created)

			created, err = s.InitIfAbsent(ctx, "t1", sampleState("t1"))
			require.NoError(t, err)
			assert.False(t, created)

			got, err := s.Get(ctx, "t1")
			require.NoError(t, err)
			assert.Empty(t, got.VisibleHistory)
		})
	}
}

func TestStore_RejectsEmptyThreadID(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()

			assert.Error(t, s.Put(context.Background(), "", sampleState("")))
		})
	}
}

// TestStore_ConcurrentDistinctThreads verifies distinct thread ids do not
// interfere with each other.
func TestStore_ConcurrentDistinctThreads(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()
			ctx := context.Background()

			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					id := fmt.Sprintf("thread-%d", i)
					state := datatypes.NewConversationState(id)
					state.VisibleHistory = []datatypes.Message{datatypes.NewHumanMessage(id)}
					assert.NoError(t, s.Put(ctx, id, state))
				}(i)
			}
			wg.Wait()

			for i := 0; i < 8; i++ {
				id := fmt.Sprintf("thread-%d", i)
				got, err := s.Get(ctx, id)
				require.NoError(t, err)
				require.Len(t, got.VisibleHistory, 1)
				assert.Equal(t, id, got.VisibleHistory[0].Content)
			}
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "t1", sampleState("t1")))

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	got.VisibleHistory[0].Content = "mutated"

	again, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "hi", again.VisibleHistory[0].Content)
	assert.Equal(t, 1, s.Len())
}

func TestOpen_Drivers(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Config{Driver: DriverMemory}, nil)
	require.NoError(t, err)
	_, ok := s.(*InstrumentedStore).Unwrap().(*MemoryStore)
	assert.True(t, ok)
	require.NoError(t, s.Close())

	s, err = Open(ctx, Config{Driver: DriverSQLite, Path: filepath.Join(t.TempDir(), "c.db")}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(ctx, Config{Driver: "postgres"}, nil)
	assert.Error(t, err)
}

// TestOpen_EmptyDriverIsSQLite verifies library callers get the same backend
// as the default server configuration.
func TestOpen_EmptyDriverIsSQLite(t *testing.T) {
	s, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "c.db")}, nil)
	require.NoError(t, err)
	defer s.Close()

	_, ok := s.(*InstrumentedStore).Unwrap().(*SQLStore)
	assert.True(t, ok)
	assert.Equal(t, DefaultDriver, DefaultConfig().Driver)
	assert.Equal(t, DefaultSQLitePath, DefaultConfig().Path)
}

func TestBadgerConfig_SyncWrites(t *testing.T) {
	dir := t.TempDir()

	assert.True(t, badgerConfig(Config{Driver: DriverBadger, Path: dir}).SyncWrites,
		"unset sync_writes must fsync each commit")

	on, off := true, false
	assert.True(t, badgerConfig(Config{Driver: DriverBadger, Path: dir, SyncWrites: &on}).SyncWrites)
	assert.False(t, badgerConfig(Config{Driver: DriverBadger, Path: dir, SyncWrites: &off}).SyncWrites)
	assert.True(t, DefaultConfig().SyncWritesEnabled())
}

// TestInstrumentedStore_PassesThroughNotFound verifies the decorator keeps
// the sentinel error intact.
func TestInstrumentedStore_PassesThroughNotFound(t *testing.T) {
	s := NewInstrumentedStore(NewMemoryStore(), "memory")
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
