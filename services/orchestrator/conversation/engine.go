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

	"github.com/qingpingwang/Agent-Test/services/llm"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/datatypes"
)

// ErrorClassPersistence marks a turn that failed reading or writing the
// checkpoint store.
const ErrorClassPersistence llm.ErrorClass = "persistence"

// TurnError reports why a turn was abandoned.
//
// # Description
//
// Op names the failing stage ("model", "load", "save"). Class tells the
// caller whether retrying the same request could succeed.
type TurnError struct {
	Op    string
	Class llm.ErrorClass
	Err   error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn %s failed (%s): %v", e.Op, e.Class, e.Err)
}

func (e *TurnError) Unwrap() error {
	return e.Err
}

// ClassOf returns the class of a turn error, or llm.Classify for anything
// else.
func ClassOf(err error) llm.ErrorClass {
	var te *TurnError
	if errors.As(err, &te) {
		return te.Class
	}
	return llm.Classify(err)
}

// TurnResult is the state delta of one successful turn.
type TurnResult struct {
	// NewVisible holds the messages the model produced this turn, in order.
	// Echoes of the input are never included.
	NewVisible []datatypes.Message

	// WorkingContext replaces the stored working context wholesale.
	WorkingContext []datatypes.Message

	// Response is the text of the final assistant message, if any.
	Response string

	Summarized    bool
	ContextTokens int
}

// Engine runs single conversation turns.
//
// # Thread Safety
//
// Safe for concurrent use. Callers serialize turns on the same thread.
type Engine struct {
	cm *ContextManager
}

// NewEngine creates an Engine on top of cm.
func NewEngine(cm *ContextManager) *Engine {
	return &Engine{cm: cm}
}

// Step runs one turn against state without mutating it.
//
// # Description
//
// The user message is appended to a copy of the working context, the model
// is invoked through the ContextManager, and the result is split into the
// messages to append to the visible history and the replacement working
// context. Fragments are forwarded to cb as they arrive.
//
// # Inputs
//
//   - state: Current conversation state. Not modified.
//   - userMsg: The new human message, already carrying its id.
//   - params: Generation parameters for this turn.
//   - cb: Fragment sink. May be nil.
//
// # Outputs
//
//   - TurnResult: The delta to persist.
//   - error: *TurnError with Op "model". The state must be left untouched.
func (e *Engine) Step(ctx context.Context, state datatypes.ConversationState, userMsg datatypes.Message, params datatypes.GenerationParams, cb llm.StreamCallback) (TurnResult, error) {
	augmented := e.cm.Sync(state.WorkingContext, userMsg)
	oldIDs := datatypes.MessageIDs(augmented)

	res, err := e.cm.Invoke(ctx, augmented, params, cb)
	if err != nil {
		return TurnResult{}, &TurnError{Op: "model", Class: llm.Classify(err), Err: err}
	}

	result := TurnResult{
		WorkingContext: res.Messages,
		Summarized:     res.Summarized,
		ContextTokens:  res.ContextTokens,
	}
	for _, msg := range res.Messages {
		if !msg.Kind.IsModelOutput() {
			continue
		}
		if _, seen := oldIDs[msg.ID]; seen {
			continue
		}
		result.NewVisible = append(result.NewVisible, msg)
		if msg.Kind == datatypes.KindAI {
			result.Response = msg.Content
		}
	}
	return result, nil
}
