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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/datatypes"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("chatserver.llm")

const (
	// DefaultOpenAIModel is used when no model name is configured.
	DefaultOpenAIModel = "gpt-4o-mini"

	openAISecretPath = "/run/secrets/openai_api_key"

	// summaryPreamble introduces a summary message to providers that have no
	// native summary role.
	summaryPreamble = "Here is a summary of the conversation to date:\n\n"
)

// OpenAIConfig configures an OpenAIModel.
type OpenAIConfig struct {
	// APIKey authenticates requests. When empty the key is read from
	// /run/secrets/openai_api_key.
	APIKey string

	// BaseURL points at an OpenAI-compatible endpoint. Empty uses the
	// public OpenAI API.
	BaseURL string

	// Model is the default model name. Overridden per call by
	// GenerationParams.Model.
	Model string

	// HTTPClient overrides the transport. Optional.
	HTTPClient *http.Client
}

// OpenAIModel streams chat completions from OpenAI-compatible APIs.
type OpenAIModel struct {
	client *openai.Client
	model  string
}

var _ ChatModel = (*OpenAIModel)(nil)

// NewOpenAIModel creates an OpenAI backend.
//
// # Description
//
// Resolves the API key (config first, then container secret), applies the
// optional base URL and returns a ready client. Nothing is sent over the
// network until the first call.
//
// # Outputs
//
//   - *OpenAIModel: Ready backend.
//   - error: Non-nil when no API key could be found.
func NewOpenAIModel(cfg OpenAIConfig) (*OpenAIModel, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		keyBytes, err := os.ReadFile(openAISecretPath)
		if err != nil {
			return nil, fmt.Errorf("openai api key not configured and secret %s not readable", openAISecretPath)
		}
		apiKey = strings.TrimSpace(string(keyBytes))
		slog.Info("Read the OpenAI API key from container secret")
	}

	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
		slog.Warn("OpenAI model not set, using default", "model", model)
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}

	slog.Info("Initializing OpenAI client", "model", model, "custom_base_url", cfg.BaseURL != "")
	return &OpenAIModel{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
	}, nil
}

// ModelName returns the default model name.
func (o *OpenAIModel) ModelName() string {
	return o.model
}

// ChatStream implements ChatModel.
//
// # Description
//
// Opens a streamed chat completion and forwards every choice delta as a
// fragment. The provider's completion id becomes the message id for every
// fragment of the response. Deltas carrying tool calls are tagged
// KindToolCall, everything else KindAI. Tool call deltas are merged by index
// into the consolidated message.
//
// # Outputs
//
//   - []datatypes.Message: Exactly one message (ai or tool_call).
//   - error: Request or stream failure. Partial output is discarded.
func (o *OpenAIModel) ChatStream(ctx context.Context, req ChatRequest, callback StreamCallback) ([]datatypes.Message, error) {
	ctx, span := tracer.Start(ctx, "OpenAIModel.ChatStream")
	defer span.End()

	apiReq := o.buildRequest(req)
	apiReq.Stream = true
	span.SetAttributes(
		attribute.String("llm.model", apiReq.Model),
		attribute.Int("llm.messages", len(apiReq.Messages)),
	)

	stream, err := o.client.CreateChatCompletionStream(ctx, apiReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream open failed")
		return nil, fmt.Errorf("openai stream open failed: %w", err)
	}
	defer stream.Close()

	acc := newOpenAIAccumulator()
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "stream receive failed")
			return nil, fmt.Errorf("openai stream receive failed: %w", err)
		}
		for _, fragment := range acc.add(resp) {
			emit(callback, fragment)
		}
	}

	msg := acc.message()
	span.SetAttributes(
		attribute.String("llm.message_kind", string(msg.Kind)),
		attribute.Int("llm.tool_calls", len(msg.ToolCalls)),
	)
	return []datatypes.Message{msg}, nil
}

// Complete implements ChatModel.
func (o *OpenAIModel) Complete(ctx context.Context, req ChatRequest) (string, error) {
	ctx, span := tracer.Start(ctx, "OpenAIModel.Complete")
	defer span.End()

	apiReq := o.buildRequest(req)
	apiReq.Tools = nil
	span.SetAttributes(attribute.String("llm.model", apiReq.Model))

	resp, err := o.client.CreateChatCompletion(ctx, apiReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		return "", fmt.Errorf("openai completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// buildRequest converts a ChatRequest into the provider format.
func (o *OpenAIModel) buildRequest(req ChatRequest) openai.ChatCompletionRequest {
	model := req.Params.Model
	if model == "" {
		model = o.model
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.Params.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.Params.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, toOpenAIMessage(m))
	}

	apiReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Params.Temperature,
		TopP:        req.Params.TopP,
		MaxTokens:   req.Params.MaxTokens,
		Stop:        req.Params.Stop,
	}
	for _, t := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return apiReq
}

// toOpenAIMessage maps one conversation message to the provider format.
func toOpenAIMessage(m datatypes.Message) openai.ChatCompletionMessage {
	switch m.Kind {
	case datatypes.KindSummary:
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: summaryPreamble + m.Content,
		}
	case datatypes.KindAI:
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: m.Content,
		}
	case datatypes.KindToolCall:
		out := openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: m.Content,
		}
		for _, tc := range m.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		return out
	case datatypes.KindToolResult:
		return openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
	default:
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: m.Content,
		}
	}
}

// =============================================================================
// Stream Accumulator
// =============================================================================

// openAIAccumulator turns stream chunks into fragments and remembers enough
// to build the final message.
type openAIAccumulator struct {
	id        string
	content   strings.Builder
	toolCalls map[int]*datatypes.ToolCall
}

func newOpenAIAccumulator() *openAIAccumulator {
	return &openAIAccumulator{toolCalls: make(map[int]*datatypes.ToolCall)}
}

// add consumes one chunk and returns the fragments it produced.
func (a *openAIAccumulator) add(resp openai.ChatCompletionStreamResponse) []datatypes.StreamFragment {
	if a.id == "" {
		a.id = resp.ID
		if a.id == "" {
			a.id = "run-" + uuid.NewString()
		}
	}

	var fragments []datatypes.StreamFragment
	for _, choice := range resp.Choices {
		delta := choice.Delta
		if len(delta.ToolCalls) > 0 {
			fragment := datatypes.StreamFragment{
				MessageID: a.id,
				Kind:      datatypes.KindToolCall,
				Content:   delta.Content,
			}
			for i, tc := range delta.ToolCalls {
				index := i
				if tc.Index != nil {
					index = *tc.Index
				}
				fragment.ToolCallDeltas = append(fragment.ToolCallDeltas, datatypes.ToolCallDelta{
					Index:     index,
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
				a.mergeToolCall(index, tc)
			}
			a.content.WriteString(delta.Content)
			fragments = append(fragments, fragment)
			continue
		}

		a.content.WriteString(delta.Content)
		fragments = append(fragments, datatypes.StreamFragment{
			MessageID: a.id,
			Kind:      datatypes.KindAI,
			Content:   delta.Content,
		})
	}
	return fragments
}

func (a *openAIAccumulator) mergeToolCall(index int, tc openai.ToolCall) {
	existing, ok := a.toolCalls[index]
	if !ok {
		existing = &datatypes.ToolCall{}
		a.toolCalls[index] = existing
	}
	if tc.ID != "" {
		existing.ID = tc.ID
	}
	if tc.Function.Name != "" {
		existing.Name = tc.Function.Name
	}
	existing.Arguments += tc.Function.Arguments
}

// message returns the consolidated message.
func (a *openAIAccumulator) message() datatypes.Message {
	id := a.id
	if id == "" {
		id = "run-" + uuid.NewString()
	}
	if len(a.toolCalls) == 0 {
		return datatypes.NewAIMessage(id, a.content.String())
	}

	indexes := make([]int, 0, len(a.toolCalls))
	for idx := range a.toolCalls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	calls := make([]datatypes.ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		calls = append(calls, *a.toolCalls[idx])
	}
	return datatypes.NewToolCallMessage(id, a.content.String(), calls)
}
