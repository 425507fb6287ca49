// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// =============================================================================
// ChatStreamRequest Validation Tests
// =============================================================================

func TestChatStreamRequest_Validate_Success(t *testing.T) {
	req := &ChatStreamRequest{ThreadID: "t1", Message: "Hello"}

	if err := req.Validate(); err != nil {
		t.Errorf("expected valid request, got error: %v", err)
	}
}

func TestChatStreamRequest_Validate_MissingFields(t *testing.T) {
	tests := []struct {
		name string
		req  ChatStreamRequest
	}{
		{"missing thread", ChatStreamRequest{Message: "hi"}},
		{"missing message", ChatStreamRequest{ThreadID: "t1"}},
		{"blank message", ChatStreamRequest{ThreadID: "t1", Message: "   "}},
		{"both missing", ChatStreamRequest{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if !errors.Is(err, ErrMissingFields) {
				t.Errorf("expected ErrMissingFields, got %v", err)
			}
		})
	}
}

func TestChatStreamRequest_Validate_MessageTooLarge(t *testing.T) {
	req := &ChatStreamRequest{
		ThreadID: "t1",
		Message:  strings.Repeat("a", MaxMessageContentBytes+1),
	}

	err := req.Validate()
	if err == nil {
		t.Fatal("expected error for oversized message, got nil")
	}
	if errors.Is(err, ErrMissingFields) {
		t.Error("oversized message must not be reported as missing")
	}
}

func TestChatStreamRequest_Validate_MessageAtLimit(t *testing.T) {
	req := &ChatStreamRequest{
		ThreadID: "t1",
		Message:  strings.Repeat("a", MaxMessageContentBytes),
	}

	if err := req.Validate(); err != nil {
		t.Errorf("message at exactly the limit should pass, got %v", err)
	}
}

func TestValidateThreadID(t *testing.T) {
	if err := ValidateThreadID("abc"); err != nil {
		t.Errorf("expected valid id, got %v", err)
	}
	if err := ValidateThreadID(""); err == nil {
		t.Error("expected error for empty id")
	}
	if err := ValidateThreadID(strings.Repeat("x", MaxThreadIDBytes+1)); err == nil {
		t.Error("expected error for overlong id")
	}
}

// =============================================================================
// Message Tests
// =============================================================================

func TestMessage_JSONPreservesIdentity(t *testing.T) {
	original := NewToolCallMessage("run-1", "checking", []ToolCall{
		{ID: "call_1", Name: "search", Arguments: `{"q":"go"}`},
	})

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if decoded.ID != "run-1" {
		t.Errorf("ID = %q, want run-1", decoded.ID)
	}
	if decoded.Kind != KindToolCall {
		t.Errorf("Kind = %q, want tool_call", decoded.Kind)
	}
	if len(decoded.ToolCalls) != 1 || decoded.ToolCalls[0].Arguments != `{"q":"go"}` {
		t.Errorf("tool calls not preserved: %+v", decoded.ToolCalls)
	}
}

func TestMessageKind_IsModelOutput(t *testing.T) {
	tests := []struct {
		kind MessageKind
		want bool
	}{
		{KindHuman, false},
		{KindAI, true},
		{KindToolCall, true},
		{KindToolResult, true},
		{KindSummary, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.IsModelOutput(); got != tt.want {
				t.Errorf("IsModelOutput() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewHumanMessage_UniqueIDs(t *testing.T) {
	a := NewHumanMessage("one")
	b := NewHumanMessage("one")
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("expected distinct non-empty ids, got %q and %q", a.ID, b.ID)
	}
}

func TestConversationState_CloneIsDeep(t *testing.T) {
	state := NewConversationState("t1")
	state.WorkingContext = append(state.WorkingContext, NewToolCallMessage("m1", "", []ToolCall{{ID: "c1", Name: "f"}}))

	clone := state.Clone()
	clone.WorkingContext[0].ToolCalls[0].Name = "changed"
	clone.VisibleHistory = append(clone.VisibleHistory, NewHumanMessage("x"))

	if state.WorkingContext[0].ToolCalls[0].Name != "f" {
		t.Error("mutating the clone changed the original tool call")
	}
	if len(state.VisibleHistory) != 0 {
		t.Error("appending to the clone changed the original history")
	}
}

func TestContainsID(t *testing.T) {
	msgs := []Message{NewAIMessage("a", "x"), NewAIMessage("b", "y")}
	if !ContainsID(msgs, "b") {
		t.Error("expected b to be found")
	}
	if ContainsID(msgs, "") {
		t.Error("empty id must never match")
	}
	if ContainsID(nil, "a") {
		t.Error("nil slice must not contain anything")
	}
}
