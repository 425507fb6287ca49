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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/qingpingwang/Agent-Test/services/llm"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/checkpoint"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/datatypes"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// Params are the generation parameters used for every turn and recorded
	// in the thread metadata.
	Params datatypes.GenerationParams

	// SerializeTurns makes concurrent turns on one thread id in this process
	// run one after another. Without it the last write wins.
	SerializeTurns bool
}

// Service runs turns against persisted conversation state.
//
// # Description
//
// Each turn performs exactly one checkpoint read and, on success, exactly
// one write. A failed turn writes nothing, so the stored state stays as it
// was before the turn.
//
// # Thread Safety
//
// Safe for concurrent use across thread ids. Same-thread turns are only
// coordinated when SerializeTurns is set, and only within this process.
type Service struct {
	engine *Engine
	store  checkpoint.Store
	cfg    ServiceConfig
	locks  *threadLocks
	logger *slog.Logger
}

// NewService creates a Service.
func NewService(engine *Engine, store checkpoint.Store, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{engine: engine, store: store, cfg: cfg, logger: logger}
	if cfg.SerializeTurns {
		s.locks = &threadLocks{}
	}
	return s
}

// RunTurn appends message to threadID's conversation and runs one turn.
//
// # Description
//
// A thread that was never initialized starts from an empty state. The
// visible history gains the human message followed by the model output and
// the working context is replaced.
//
// # Inputs
//
//   - ctx: Governs the model call and the store calls. Callers that must
//     persist even after the client leaves pass a context that is not
//     cancelled with the request.
//   - threadID: Conversation id.
//   - message: User text.
//   - cb: Fragment sink. May be nil.
//
// # Outputs
//
//   - TurnResult: The delta that was persisted.
//   - error: *TurnError. Nothing was written.
func (s *Service) RunTurn(ctx context.Context, threadID, message string, cb llm.StreamCallback) (result TurnResult, err error) {
	ctx, span := tracer.Start(ctx, "conversation.turn")
	defer span.End()
	span.SetAttributes(attribute.String("thread_id", threadID))

	defer func() {
		class := ""
		if err != nil {
			class = string(ClassOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "turn failed")
		}
		if m := observability.DefaultMetrics; m != nil {
			m.RecordTurn(class)
			if err == nil {
				m.RecordContext(result.ContextTokens, result.Summarized)
			}
		}
	}()

	if s.locks != nil {
		if err := s.locks.acquire(ctx, threadID); err != nil {
			return TurnResult{}, &TurnError{Op: "lock", Class: llm.ErrorClassTransient, Err: err}
		}
		defer s.locks.release(threadID)
	}

	state, err := s.store.Get(ctx, threadID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		state = datatypes.NewConversationState(threadID)
	} else if err != nil {
		return TurnResult{}, &TurnError{Op: "load", Class: ErrorClassPersistence, Err: err}
	}

	userMsg := datatypes.NewHumanMessage(message)
	result, err = s.engine.Step(ctx, state, userMsg, s.cfg.Params, cb)
	if err != nil {
		s.logger.Warn("Turn abandoned", "thread_id", threadID, "error", err)
		return TurnResult{}, err
	}

	next := state.Clone()
	next.VisibleHistory = append(next.VisibleHistory, userMsg)
	next.VisibleHistory = append(next.VisibleHistory, result.NewVisible...)
	next.WorkingContext = result.WorkingContext
	next.Metadata.ThreadID = threadID
	next.Metadata.Params = s.cfg.Params
	next.Metadata.TurnCount++
	if result.Summarized {
		next.Metadata.SummarizationCount++
	}
	next.Metadata.UpdatedAt = time.Now().UTC()

	if err := s.store.Put(ctx, threadID, next); err != nil {
		s.logger.Error("Failed to persist turn", "thread_id", threadID, "error", err)
		return TurnResult{}, &TurnError{Op: "save", Class: ErrorClassPersistence, Err: err}
	}

	s.logger.Debug("Turn completed",
		"thread_id", threadID,
		"new_messages", len(result.NewVisible),
		"working_context", len(result.WorkingContext),
		"summarized", result.Summarized)
	return result, nil
}

// InitThread creates an empty state for threadID unless one exists.
//
// # Outputs
//
//   - bool: True when the thread already has visible messages. Nothing is
//     written in that case.
//   - error: Store failure.
func (s *Service) InitThread(ctx context.Context, threadID string) (bool, error) {
	state, err := s.store.Get(ctx, threadID)
	switch {
	case err == nil && state.HasVisibleMessages():
		return true, nil
	case err != nil && !errors.Is(err, checkpoint.ErrNotFound):
		return false, fmt.Errorf("load thread %s: %w", threadID, err)
	}

	initial := datatypes.NewConversationState(threadID)
	initial.Metadata.Params = s.cfg.Params
	created, err := s.store.InitIfAbsent(ctx, threadID, initial)
	if err != nil {
		return false, fmt.Errorf("init thread %s: %w", threadID, err)
	}
	if created {
		s.logger.Info("Thread initialized", "thread_id", threadID)
	}
	return false, nil
}

// History returns the visible history of threadID.
//
// # Outputs
//
//   - error: checkpoint.ErrNotFound when the thread does not exist.
func (s *Service) History(ctx context.Context, threadID string) ([]datatypes.Message, error) {
	state, err := s.store.Get(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return state.VisibleHistory, nil
}
