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

// =============================================================================
// Stream Fragments (model side)
// =============================================================================

// ToolCallDelta is a partial or complete tool call carried by a fragment.
//
// Index identifies the call within its message when a provider spreads one
// call over several fragments. ID and Name are usually only present on the
// first delta of a call.
type ToolCallDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// StreamFragment is one incremental piece of model output.
//
// # Description
//
// Fragments are ephemeral. All fragments of one logical message share
// MessageID. Kind is assigned by the provider adapter. Position is an
// optional provider disambiguator passed through verbatim as chunk_position.
type StreamFragment struct {
	MessageID      string          `json:"message_id"`
	Kind           MessageKind     `json:"kind"`
	Content        string          `json:"content,omitempty"`
	ToolCallDeltas []ToolCallDelta `json:"tool_call_deltas,omitempty"`
	ToolCallID     string          `json:"tool_call_id,omitempty"`
	Position       *string         `json:"position,omitempty"`
}

// =============================================================================
// Stream Events (wire side)
// =============================================================================

// StreamEventType is the "type" field of a wire event.
type StreamEventType string

const (
	EventThreadID      StreamEventType = "thread_id"
	EventMessageChange StreamEventType = "message_change"
	EventToken         StreamEventType = "token"
	EventError         StreamEventType = "error"
	EventDone          StreamEventType = "done"
)

// Role is the classification shown to clients for a message.
type Role string

const (
	RoleHuman      Role = "human"
	RoleAI         Role = "ai"
	RoleToolCall   Role = "tool_call"
	RoleToolResult Role = "tool_result"
)

// StreamEvent is one server-sent event on the chat stream.
//
// # Description
//
// Each event is written as a single `data: <json>\n\n` line. Only the fields
// relevant to Type are populated:
//
//   - thread_id: ThreadID
//   - message_change: Role
//   - token: Content, optionally ChunkPosition
//   - error: Error
//   - done: nothing else
type StreamEvent struct {
	Type          StreamEventType `json:"type"`
	ThreadID      string          `json:"thread_id,omitempty"`
	Role          Role            `json:"role,omitempty"`
	Content       string          `json:"content,omitempty"`
	ChunkPosition *string         `json:"chunk_position,omitempty"`
	Error         string          `json:"error,omitempty"`
}
