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

import "time"

// GenerationParams are the sampling parameters sent with a model call.
//
// Zero values mean "use the backend default" for every field except
// Temperature, which is always sent.
type GenerationParams struct {
	Model        string   `json:"model,omitempty"`
	Temperature  float32  `json:"temperature"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	TopP         float32  `json:"top_p,omitempty"`
	Stop         []string `json:"stop,omitempty"`
	SystemPrompt string   `json:"-"`
}

// StateMetadata is bookkeeping stored next to the message lists.
type StateMetadata struct {
	ThreadID           string           `json:"thread_id"`
	Params             GenerationParams `json:"params"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
	TurnCount          int              `json:"turn_count"`
	SummarizationCount int              `json:"summarization_count"`
}

// ConversationState is the persisted state of one conversation.
//
// # Description
//
// Two message lists are kept side by side:
//
//   - VisibleHistory is append-only and authoritative for display. It holds
//     every human message and every model-produced message in order.
//   - WorkingContext is what the model sees. It is a possibly compressed
//     projection of the visible history, optionally led by a single summary
//     message. It is replaced wholesale after every successful turn and is
//     never assumed to be a suffix of VisibleHistory.
//
// # Assumptions
//
//   - A state is owned by exactly one thread id.
//   - Callers treat a state obtained from a store as a value; stores hand out
//     copies.
type ConversationState struct {
	VisibleHistory []Message     `json:"visible_history"`
	WorkingContext []Message     `json:"working_context"`
	Metadata       StateMetadata `json:"metadata"`
}

// NewConversationState returns the empty initial state for threadID.
func NewConversationState(threadID string) ConversationState {
	now := time.Now().UTC()
	return ConversationState{
		VisibleHistory: []Message{},
		WorkingContext: []Message{},
		Metadata: StateMetadata{
			ThreadID:  threadID,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
}

// Clone returns a deep copy of the state.
func (s ConversationState) Clone() ConversationState {
	out := s
	out.VisibleHistory = CloneMessages(s.VisibleHistory)
	out.WorkingContext = CloneMessages(s.WorkingContext)
	if s.Metadata.Params.Stop != nil {
		out.Metadata.Params.Stop = append([]string(nil), s.Metadata.Params.Stop...)
	}
	return out
}

// HasVisibleMessages reports whether anything has been said in the conversation.
func (s ConversationState) HasVisibleMessages() bool {
	return len(s.VisibleHistory) > 0
}
