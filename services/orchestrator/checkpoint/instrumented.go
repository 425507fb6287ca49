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
	"time"

	"github.com/qingpingwang/Agent-Test/services/orchestrator/datatypes"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("chatserver.checkpoint")

// InstrumentedStore records a span and a latency sample for every call.
type InstrumentedStore struct {
	next    Store
	backend string
}

var _ Store = (*InstrumentedStore)(nil)

// NewInstrumentedStore wraps next. backend labels the metrics.
func NewInstrumentedStore(next Store, backend string) *InstrumentedStore {
	return &InstrumentedStore{next: next, backend: backend}
}

// Unwrap returns the underlying store.
func (s *InstrumentedStore) Unwrap() Store {
	return s.next
}

func (s *InstrumentedStore) observe(ctx context.Context, op string, threadID string, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, "checkpoint."+op)
	defer span.End()
	span.SetAttributes(
		attribute.String("checkpoint.backend", s.backend),
		attribute.String("thread_id", threadID),
	)

	start := time.Now()
	err := fn(ctx)

	// A missing thread is an expected answer, not a failure.
	failed := err != nil && !errors.Is(err, ErrNotFound)
	if failed {
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" failed")
	}
	if m := observability.DefaultMetrics; m != nil {
		m.RecordCheckpointOp(s.backend, op, failed, time.Since(start))
	}
	return err
}

// Get implements Store.
func (s *InstrumentedStore) Get(ctx context.Context, threadID string) (datatypes.ConversationState, error) {
	var state datatypes.ConversationState
	err := s.observe(ctx, "get", threadID, func(ctx context.Context) error {
		var err error
		state, err = s.next.Get(ctx, threadID)
		return err
	})
	return state, err
}

// Put implements Store.
func (s *InstrumentedStore) Put(ctx context.Context, threadID string, state datatypes.ConversationState) error {
	return s.observe(ctx, "put", threadID, func(ctx context.Context) error {
		return s.next.Put(ctx, threadID, state)
	})
}

// InitIfAbsent implements Store.
func (s *InstrumentedStore) InitIfAbsent(ctx context.Context, threadID string, initial datatypes.ConversationState) (bool, error) {
	var created bool
	err := s.observe(ctx, "init", threadID, func(ctx context.Context) error {
		var err error
		created, err = s.next.InitIfAbsent(ctx, threadID, initial)
		return err
	})
	return created, err
}

// Close implements Store.
func (s *InstrumentedStore) Close() error {
	return s.next.Close()
}
