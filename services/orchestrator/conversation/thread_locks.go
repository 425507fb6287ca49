// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"context"
	"sync"
)

// threadLocks is a per-thread binary semaphore.
//
// Entries are created on first use and kept for the life of the process.
// One channel per thread id ever seen.
type threadLocks struct {
	sems sync.Map // thread id -> chan struct{}
}

func (l *threadLocks) semaphore(threadID string) chan struct{} {
	if v, ok := l.sems.Load(threadID); ok {
		return v.(chan struct{})
	}
	sem := make(chan struct{}, 1)
	sem <- struct{}{}
	v, _ := l.sems.LoadOrStore(threadID, sem)
	return v.(chan struct{})
}

// acquire blocks until the thread is free or ctx is done.
func (l *threadLocks) acquire(ctx context.Context, threadID string) error {
	sem := l.semaphore(threadID)
	select {
	case <-sem:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *threadLocks) release(threadID string) {
	if v, ok := l.sems.Load(threadID); ok {
		v.(chan struct{}) <- struct{}{}
	}
}
