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
	"sync"

	"github.com/qingpingwang/Agent-Test/services/orchestrator/datatypes"
)

// MemoryStore keeps states in a map. Nothing survives a restart.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]datatypes.ConversationState
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]datatypes.ConversationState)}
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, threadID string) (datatypes.ConversationState, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.ConversationState{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[threadID]
	if !ok {
		return datatypes.ConversationState{}, ErrNotFound
	}
	return state.Clone(), nil
}

// Put implements Store.
func (m *MemoryStore) Put(ctx context.Context, threadID string, state datatypes.ConversationState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateThreadID(threadID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.states[threadID] = state.Clone()
	return nil
}

// InitIfAbsent implements Store.
func (m *MemoryStore) InitIfAbsent(ctx context.Context, threadID string, initial datatypes.ConversationState) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validateThreadID(threadID); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.states[threadID]; ok {
		return false, nil
	}
	m.states[threadID] = initial.Clone()
	return true, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}

// Len returns the number of stored threads.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}
