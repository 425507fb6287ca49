// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides streaming chat model backends.
//
// # Description
//
// Every backend implements ChatModel. A backend translates the conversation
// message model into its provider's wire format, streams fragments back
// through a callback in provider order, and returns the consolidated new
// messages once the provider signals end-of-stream.
//
// Message kinds are assigned here, at the adapter boundary. Nothing
// downstream inspects provider-specific fields to guess what a fragment is.
//
// # Backends
//
//   - openai: OpenAI and any OpenAI-compatible endpoint (go-openai)
//   - anthropic: Anthropic Messages API (anthropic-sdk-go)
//
// Both can be wrapped with NewRateLimitedModel.
package llm

import (
	"context"

	"github.com/qingpingwang/Agent-Test/services/orchestrator/datatypes"
)

// ToolDefinition describes a tool the model may call.
//
// Parameters is a JSON schema object. It is passed to the provider verbatim.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ChatRequest is the input of one model invocation.
//
// # Fields
//
//   - Messages: The conversation, oldest first. Must not contain the system
//     prompt. The backend prepends Params.SystemPrompt itself.
//   - Params: Sampling parameters.
//   - Tools: Optional tool definitions. Empty means no tools are offered.
type ChatRequest struct {
	Messages []datatypes.Message
	Params   datatypes.GenerationParams
	Tools    []ToolDefinition
}

// StreamCallback receives fragments as the provider produces them.
//
// # Description
//
// The callback is invoked synchronously from the streaming goroutine, in
// provider order. It must not block for long. It has no way to abort the
// stream: a consumer that can no longer deliver output simply stops
// forwarding, and the model call still runs to completion.
type StreamCallback func(fragment datatypes.StreamFragment)

// ChatModel is the interface every model backend implements.
//
// # Description
//
// ChatStream performs one streamed completion. The returned slice holds the
// consolidated messages the model produced, each carrying the same ID its
// fragments carried. It is non-nil only when err is nil.
//
// Complete performs one non-streamed completion and returns the text. It is
// used for internal calls such as summarization whose output is never shown
// to the client.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type ChatModel interface {
	ChatStream(ctx context.Context, req ChatRequest, callback StreamCallback) ([]datatypes.Message, error)
	Complete(ctx context.Context, req ChatRequest) (string, error)
	ModelName() string
}

// emit calls cb when it is set.
func emit(cb StreamCallback, f datatypes.StreamFragment) {
	if cb != nil {
		cb(f)
	}
}
