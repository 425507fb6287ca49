// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the chat server.
//
// This file contains the conversation message model shared by the model
// clients, the conversation engine, the checkpoint stores and the stream
// formatter.
package datatypes

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Message Kinds
// =============================================================================

// MessageKind tags a Message with its variant.
//
// # Description
//
// The kind is assigned exactly once: by the provider adapter for model output,
// or by the server when it creates a human or summary message. Consumers
// switch on the kind and never re-derive it from which fields are populated.
type MessageKind string

const (
	// KindHuman is a message typed by the end user.
	KindHuman MessageKind = "human"

	// KindAI is plain assistant text.
	KindAI MessageKind = "ai"

	// KindToolCall is an assistant message that requests one or more tool
	// invocations. It may also carry assistant text in Content.
	KindToolCall MessageKind = "tool_call"

	// KindToolResult is the output of a tool invocation, linked to the call
	// through ToolCallID.
	KindToolResult MessageKind = "tool_result"

	// KindSummary is a compressed stand-in for older conversation turns.
	// It only ever appears in the working context.
	KindSummary MessageKind = "summary"
)

// Valid reports whether k is one of the known kinds.
func (k MessageKind) Valid() bool {
	switch k {
	case KindHuman, KindAI, KindToolCall, KindToolResult, KindSummary:
		return true
	default:
		return false
	}
}

// IsModelOutput reports whether messages of this kind are produced by a model
// invocation and are therefore eligible for the visible history.
func (k MessageKind) IsModelOutput() bool {
	return k == KindAI || k == KindToolCall || k == KindToolResult
}

// =============================================================================
// Message
// =============================================================================

// ToolCall is a single tool invocation requested by the model.
//
// Arguments holds the raw JSON argument string exactly as the provider
// produced it. It is not parsed.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one entry of a conversation.
//
// # Description
//
// Message is a tagged union over MessageKind. The ID is unique within a
// context and stable across every streamed fragment of the same logical
// message. It is preserved through serialization so that the working context
// can be deduplicated against the visible history by identity.
//
// # Fields
//
//   - ID: Stable identity. Server-created messages use UUID v4, model output
//     uses the provider's message id.
//   - Kind: Variant tag (see MessageKind).
//   - Content: Text content. For KindToolResult this is the tool output.
//   - ToolCalls: Populated only for KindToolCall.
//   - ToolCallID: Populated only for KindToolResult.
//   - CreatedAt: Creation time (UTC).
type Message struct {
	ID         string      `json:"id"`
	Kind       MessageKind `json:"kind"`
	Content    string      `json:"content,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// NewHumanMessage creates a user message with a fresh UUID.
func NewHumanMessage(content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Kind:      KindHuman,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// NewSummaryMessage creates a summary message with a fresh UUID.
func NewSummaryMessage(content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Kind:      KindSummary,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// NewAIMessage creates an assistant text message with a provider-assigned id.
func NewAIMessage(id, content string) Message {
	return Message{
		ID:        id,
		Kind:      KindAI,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// NewToolCallMessage creates an assistant message requesting tool calls.
func NewToolCallMessage(id, content string, calls []ToolCall) Message {
	return Message{
		ID:        id,
		Kind:      KindToolCall,
		Content:   content,
		ToolCalls: calls,
		CreatedAt: time.Now().UTC(),
	}
}

// NewToolResultMessage creates a tool output message answering toolCallID.
func NewToolResultMessage(id, toolCallID, content string) Message {
	return Message{
		ID:         id,
		Kind:       KindToolResult,
		Content:    content,
		ToolCallID: toolCallID,
		CreatedAt:  time.Now().UTC(),
	}
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(out.ToolCalls, m.ToolCalls)
	}
	return out
}

// CloneMessages returns a deep copy of msgs. A nil slice stays nil.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// MessageIDs returns the set of ids present in msgs. Empty ids are skipped.
func MessageIDs(msgs []Message) map[string]struct{} {
	ids := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		ids[m.ID] = struct{}{}
	}
	return ids
}

// ContainsID reports whether any message in msgs carries id.
func ContainsID(msgs []Message, id string) bool {
	if id == "" {
		return false
	}
	for _, m := range msgs {
		if m.ID == id {
			return true
		}
	}
	return false
}
