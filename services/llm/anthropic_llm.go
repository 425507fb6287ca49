// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	// DefaultAnthropicModel is used when no model name is configured.
	DefaultAnthropicModel = "claude-sonnet-4-5"

	defaultAnthropicMaxTokens = 4096
)

// AnthropicConfig configures an AnthropicModel.
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

// AnthropicModel streams responses from the Anthropic Messages API.
type AnthropicModel struct {
	client anthropic.Client
	model  string
}

var _ ChatModel = (*AnthropicModel)(nil)

// NewAnthropicModel creates an Anthropic backend.
//
// # Outputs
//
//   - *AnthropicModel: Ready backend.
//   - error: Non-nil when the API key is missing.
func NewAnthropicModel(cfg AnthropicConfig) (*AnthropicModel, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultAnthropicModel
		slog.Warn("Anthropic model not set, using default", "model", model)
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	slog.Info("Initializing Anthropic client", "model", model)
	return &AnthropicModel{
		client: anthropic.NewClient(opts...),
		model:  model,
	}, nil
}

// ModelName returns the default model name.
func (a *AnthropicModel) ModelName() string {
	return a.model
}

// ChatStream implements ChatModel.
//
// # Description
//
// Opens a streamed Messages request. The id from message_start becomes the
// message id of every fragment. Text deltas are tagged KindAI. Tool use
// block starts and input_json_delta events are tagged KindToolCall and
// carry the content block index as the tool call index.
func (a *AnthropicModel) ChatStream(ctx context.Context, req ChatRequest, callback StreamCallback) ([]datatypes.Message, error) {
	ctx, span := tracer.Start(ctx, "AnthropicModel.ChatStream")
	defer span.End()

	params := a.buildRequest(req)
	span.SetAttributes(
		attribute.String("llm.model", string(params.Model)),
		attribute.Int("llm.messages", len(params.Messages)),
	)

	stream := a.client.Messages.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	state := newAnthropicStreamState()
	for stream.Next() {
		for _, fragment := range state.handle(stream.Current()) {
			emit(callback, fragment)
		}
	}
	if err := stream.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream failed")
		return nil, fmt.Errorf("anthropic stream failed: %w", err)
	}

	msg := state.message()
	span.SetAttributes(attribute.String("llm.message_kind", string(msg.Kind)))
	return []datatypes.Message{msg}, nil
}

// Complete implements ChatModel.
func (a *AnthropicModel) Complete(ctx context.Context, req ChatRequest) (string, error) {
	ctx, span := tracer.Start(ctx, "AnthropicModel.Complete")
	defer span.End()

	params := a.buildRequest(req)
	params.Tools = nil

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		return "", fmt.Errorf("anthropic completion failed: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(tb.Text)
		}
	}
	return text.String(), nil
}

func (a *AnthropicModel) buildRequest(req ChatRequest) anthropic.MessageNewParams {
	model := req.Params.Model
	if model == "" {
		model = a.model
	}
	maxTokens := req.Params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   int64(maxTokens),
		Messages:    toAnthropicMessages(req.Messages),
		Temperature: anthropic.Float(float64(req.Params.Temperature)),
	}
	if req.Params.TopP > 0 {
		params.TopP = anthropic.Float(float64(req.Params.TopP))
	}
	if len(req.Params.Stop) > 0 {
		params.StopSequences = req.Params.Stop
	}
	if system := strings.TrimSpace(req.Params.SystemPrompt); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	for _, t := range req.Tools {
		tool := anthropic.ToolParam{
			Name:        t.Name,
			InputSchema: anthropicSchema(t.Parameters),
		}
		if t.Description != "" {
			tool.Description = anthropic.String(t.Description)
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return params
}

// toAnthropicMessages maps the conversation to Messages API turns. Summaries
// become user text, tool results become user tool_result blocks.
func toAnthropicMessages(msgs []datatypes.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Kind {
		case datatypes.KindSummary:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(summaryPreamble+m.Content)))
		case datatypes.KindAI:
			if strings.TrimSpace(m.Content) == "" {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		case datatypes.KindToolCall:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.ToolCalls)+1)
			if strings.TrimSpace(m.Content) != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, decodeToolArgs(tc.Arguments), tc.Name))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		case datatypes.KindToolResult:
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return out
}

func anthropicSchema(schema map[string]any) anthropic.ToolInputSchemaParam {
	param := anthropic.ToolInputSchemaParam{Properties: schema["properties"]}
	switch req := schema["required"].(type) {
	case []string:
		param.Required = req
	case []any:
		for _, item := range req {
			if s, ok := item.(string); ok {
				param.Required = append(param.Required, s)
			}
		}
	}
	return param
}

func decodeToolArgs(raw string) any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var payload any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return map[string]any{}
	}
	return payload
}

// =============================================================================
// Stream State
// =============================================================================

type anthropicStreamState struct {
	id        string
	text      strings.Builder
	toolOrder []int64
	tools     map[int64]*datatypes.ToolCall
}

func newAnthropicStreamState() *anthropicStreamState {
	return &anthropicStreamState{tools: make(map[int64]*datatypes.ToolCall)}
}

func (s *anthropicStreamState) messageID() string {
	if s.id == "" {
		s.id = "run-" + uuid.NewString()
	}
	return s.id
}

func (s *anthropicStreamState) handle(event anthropic.MessageStreamEventUnion) []datatypes.StreamFragment {
	switch evt := event.AsAny().(type) {
	case anthropic.MessageStartEvent:
		if evt.Message.ID != "" && s.id == "" {
			s.id = evt.Message.ID
		}
	case anthropic.ContentBlockStartEvent:
		switch evt.ContentBlock.Type {
		case "text":
			if evt.ContentBlock.Text == "" {
				return nil
			}
			s.text.WriteString(evt.ContentBlock.Text)
			return []datatypes.StreamFragment{{
				MessageID: s.messageID(),
				Kind:      datatypes.KindAI,
				Content:   evt.ContentBlock.Text,
			}}
		case "tool_use":
			call := &datatypes.ToolCall{ID: evt.ContentBlock.ID, Name: evt.ContentBlock.Name}
			s.tools[evt.Index] = call
			s.toolOrder = append(s.toolOrder, evt.Index)
			return []datatypes.StreamFragment{{
				MessageID: s.messageID(),
				Kind:      datatypes.KindToolCall,
				ToolCallDeltas: []datatypes.ToolCallDelta{{
					Index: int(evt.Index),
					ID:    call.ID,
					Name:  call.Name,
				}},
			}}
		}
	case anthropic.ContentBlockDeltaEvent:
		switch evt.Delta.Type {
		case "text_delta":
			s.text.WriteString(evt.Delta.Text)
			return []datatypes.StreamFragment{{
				MessageID: s.messageID(),
				Kind:      datatypes.KindAI,
				Content:   evt.Delta.Text,
			}}
		case "input_json_delta":
			call := s.tools[evt.Index]
			if call == nil {
				return nil
			}
			call.Arguments += evt.Delta.PartialJSON
			return []datatypes.StreamFragment{{
				MessageID: s.messageID(),
				Kind:      datatypes.KindToolCall,
				ToolCallDeltas: []datatypes.ToolCallDelta{{
					Index:     int(evt.Index),
					Arguments: evt.Delta.PartialJSON,
				}},
			}}
		}
	}
	return nil
}

func (s *anthropicStreamState) message() datatypes.Message {
	id := s.messageID()
	if len(s.toolOrder) == 0 {
		return datatypes.NewAIMessage(id, s.text.String())
	}
	calls := make([]datatypes.ToolCall, 0, len(s.toolOrder))
	for _, idx := range s.toolOrder {
		call := *s.tools[idx]
		if call.Arguments == "" {
			call.Arguments = "{}"
		}
		calls = append(calls, call)
	}
	return datatypes.NewToolCallMessage(id, s.text.String(), calls)
}
