// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation runs chat turns over a dual conversation history.
//
// # Description
//
// Every thread keeps two message lists. The visible history is the
// transcript the user sees and only ever grows. The working context is what
// the model is sent; it is rebuilt after every turn and may start with a
// summary that stands in for older messages.
//
// ContextManager owns the working context: it appends the newest visible
// message, summarizes when the estimated size passes a threshold, and drives
// the model call. Engine runs one turn on top of it and computes the state
// delta. Service ties an Engine to a checkpoint store.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/qingpingwang/Agent-Test/services/llm"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("chatserver.conversation")

// Toolbox executes tool calls requested by the model.
//
// # Description
//
// A ContextManager with a Toolbox offers Definitions to the model and feeds
// every requested call's result back until the model answers in text or
// the iteration cap is hit. Without a Toolbox a tool_call message simply
// ends the turn.
type Toolbox interface {
	Definitions() []llm.ToolDefinition
	Execute(ctx context.Context, call datatypes.ToolCall) (string, error)
}

// ContextConfig configures a ContextManager.
type ContextConfig struct {
	// MaxTokensBeforeSummary is the estimated size above which the working
	// context is summarized before the model call.
	MaxTokensBeforeSummary int

	// MessagesToKeep is how many trailing messages survive a summarization.
	MessagesToKeep int

	// SummaryPrompt must contain MessagesPlaceholder.
	SummaryPrompt string

	// SystemPrompt is attached at call time only. It is never stored in the
	// working context.
	SystemPrompt string

	// MaxToolIterations caps model calls per turn when a Toolbox is set.
	MaxToolIterations int
}

// DefaultContextConfig returns the stock thresholds and prompts.
func DefaultContextConfig() ContextConfig {
	return ContextConfig{
		MaxTokensBeforeSummary: MaxTokensBeforeSummary(DefaultModelMaxTokens, DefaultSummaryFraction),
		MessagesToKeep:         DefaultMessagesToKeep,
		SummaryPrompt:          DefaultSummaryPrompt,
		SystemPrompt:           DefaultSystemPrompt,
		MaxToolIterations:      DefaultMaxToolIterations,
	}
}

// InvokeResult is the outcome of ContextManager.Invoke.
type InvokeResult struct {
	// Messages is the complete message list after the call: the possibly
	// summarized input followed by everything the model produced.
	Messages []datatypes.Message

	// Summarized reports whether a summary replaced older messages.
	Summarized bool

	// ContextTokens is the estimated size of the context sent to the model.
	ContextTokens int
}

// ContextManager maintains the working context and calls the model.
//
// # Thread Safety
//
// Safe for concurrent use. It holds no per-thread state.
type ContextManager struct {
	model   llm.ChatModel
	counter llm.TokenCounter
	cfg     ContextConfig
	toolbox Toolbox
	logger  *slog.Logger
}

// NewContextManager validates cfg and builds a manager.
//
// # Inputs
//
//   - model: Chat backend. Required.
//   - counter: Token estimator. Nil uses llm.CharCounter{}.
//   - cfg: Thresholds and prompts.
//   - logger: Nil uses slog.Default().
//
// # Outputs
//
//   - error: Nil model, non-positive thresholds, or a summary prompt
//     without the placeholder.
func NewContextManager(model llm.ChatModel, counter llm.TokenCounter, cfg ContextConfig, logger *slog.Logger) (*ContextManager, error) {
	if model == nil {
		return nil, errors.New("context manager requires a chat model")
	}
	if cfg.MaxTokensBeforeSummary <= 0 {
		return nil, fmt.Errorf("max tokens before summary must be positive, got %d", cfg.MaxTokensBeforeSummary)
	}
	if cfg.MessagesToKeep <= 0 {
		return nil, fmt.Errorf("messages to keep must be positive, got %d", cfg.MessagesToKeep)
	}
	if !strings.Contains(cfg.SummaryPrompt, MessagesPlaceholder) {
		return nil, fmt.Errorf("summary prompt must contain %s", MessagesPlaceholder)
	}
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = DefaultMaxToolIterations
	}
	if counter == nil {
		counter = llm.CharCounter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextManager{model: model, counter: counter, cfg: cfg, logger: logger}, nil
}

// WithToolbox returns a copy of m that offers tb's tools to the model.
func (m *ContextManager) WithToolbox(tb Toolbox) *ContextManager {
	cp := *m
	cp.toolbox = tb
	return &cp
}

// Sync appends newest to a copy of working unless it is already there.
//
// # Description
//
// Only the newest visible message is added. The working context already
// carries every earlier turn, possibly in summarized form. An empty working
// context yields a single-message context.
func (m *ContextManager) Sync(working []datatypes.Message, newest datatypes.Message) []datatypes.Message {
	out := datatypes.CloneMessages(working)
	if datatypes.ContainsID(out, newest.ID) {
		return out
	}
	return append(out, newest.Clone())
}

// Invoke summarizes augmented when it is too large and then calls the model.
//
// # Description
//
// The estimate is taken over augmented as given. Above the threshold every
// message but the last MessagesToKeep is folded into one summary message,
// which leads the context sent to the model. Fragments of the model output
// are forwarded to cb. The summary call itself is not streamed.
//
// # Outputs
//
//   - InvokeResult: The full message list the next working context is
//     built from.
//   - error: A summarization or model failure. Nothing is partially applied.
func (m *ContextManager) Invoke(ctx context.Context, augmented []datatypes.Message, params datatypes.GenerationParams, cb llm.StreamCallback) (InvokeResult, error) {
	msgs := datatypes.CloneMessages(augmented)
	tokens := m.counter.Count(msgs)

	summarized := false
	if tokens > m.cfg.MaxTokensBeforeSummary {
		compressed, ok, err := m.summarize(ctx, msgs, params)
		if err != nil {
			return InvokeResult{}, fmt.Errorf("summarize context: %w", err)
		}
		if ok {
			m.logger.Info("Working context summarized",
				"before_messages", len(msgs),
				"after_messages", len(compressed),
				"estimated_tokens", tokens)
			msgs = compressed
			summarized = true
			tokens = m.counter.Count(msgs)
		}
	}

	params.SystemPrompt = m.cfg.SystemPrompt
	out, err := m.run(ctx, msgs, params, cb)
	if err != nil {
		return InvokeResult{}, err
	}
	return InvokeResult{Messages: out, Summarized: summarized, ContextTokens: tokens}, nil
}

// run calls the model, executing requested tools between calls when a
// Toolbox is configured.
func (m *ContextManager) run(ctx context.Context, msgs []datatypes.Message, params datatypes.GenerationParams, cb llm.StreamCallback) ([]datatypes.Message, error) {
	req := llm.ChatRequest{Params: params}
	if m.toolbox != nil {
		req.Tools = m.toolbox.Definitions()
	}

	for iter := 0; ; iter++ {
		req.Messages = msgs
		produced, err := m.model.ChatStream(ctx, req, cb)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, produced...)

		if m.toolbox == nil || len(produced) == 0 {
			return msgs, nil
		}
		last := produced[len(produced)-1]
		if last.Kind != datatypes.KindToolCall || len(last.ToolCalls) == 0 {
			return msgs, nil
		}
		if iter+1 >= m.cfg.MaxToolIterations {
			m.logger.Warn("Tool iteration cap reached", "iterations", iter+1)
			return msgs, nil
		}
		msgs = append(msgs, m.executeTools(ctx, last.ToolCalls, cb)...)
	}
}

// executeTools runs every call in order. A failing tool produces an error
// text result so the model can react to it.
func (m *ContextManager) executeTools(ctx context.Context, calls []datatypes.ToolCall, cb llm.StreamCallback) []datatypes.Message {
	results := make([]datatypes.Message, 0, len(calls))
	for _, call := range calls {
		content, err := m.toolbox.Execute(ctx, call)
		if err != nil {
			m.logger.Warn("Tool execution failed", "tool", call.Name, "call_id", call.ID, "error", err)
			content = "error: " + err.Error()
		}
		msg := datatypes.NewToolResultMessage("tool-"+uuid.NewString(), call.ID, content)
		if cb != nil {
			cb(datatypes.StreamFragment{
				MessageID:  msg.ID,
				Kind:       datatypes.KindToolResult,
				Content:    content,
				ToolCallID: call.ID,
			})
		}
		results = append(results, msg)
	}
	return results
}

// summarize folds all but the trailing MessagesToKeep messages into one
// summary message.
//
// # Outputs
//
//   - []datatypes.Message: [summary] followed by the kept tail.
//   - bool: False when there was nothing to fold.
//   - error: The summary call failed.
//
// # Limitations
//
//   - The kept tail never starts with a tool result. The cut moves back to
//     the tool call that produced it.
func (m *ContextManager) summarize(ctx context.Context, msgs []datatypes.Message, params datatypes.GenerationParams) ([]datatypes.Message, bool, error) {
	if len(msgs) <= m.cfg.MessagesToKeep {
		return nil, false, nil
	}
	cut := len(msgs) - m.cfg.MessagesToKeep
	for cut > 0 && msgs[cut].Kind == datatypes.KindToolResult {
		cut--
	}
	if cut == 0 {
		return nil, false, nil
	}

	ctx, span := tracer.Start(ctx, "conversation.summarize")
	defer span.End()
	span.SetAttributes(
		attribute.Int("summary.folded_messages", cut),
		attribute.Int("summary.kept_messages", len(msgs)-cut),
	)

	prompt := strings.ReplaceAll(m.cfg.SummaryPrompt, MessagesPlaceholder, RenderTranscript(msgs[:cut]))
	params.SystemPrompt = ""
	text, err := m.model.Complete(ctx, llm.ChatRequest{
		Messages: []datatypes.Message{datatypes.NewHumanMessage(prompt)},
		Params:   params,
	})
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, false, errors.New("model returned an empty summary")
	}

	out := make([]datatypes.Message, 0, len(msgs)-cut+1)
	out = append(out, datatypes.NewSummaryMessage(text))
	out = append(out, msgs[cut:]...)
	return out, true, nil
}

// RenderTranscript renders messages as "role: content" lines for the
// summary prompt.
func RenderTranscript(msgs []datatypes.Message) string {
	var b strings.Builder
	for _, msg := range msgs {
		switch msg.Kind {
		case datatypes.KindHuman:
			b.WriteString("user: ")
			b.WriteString(msg.Content)
		case datatypes.KindAI:
			b.WriteString("assistant: ")
			b.WriteString(msg.Content)
		case datatypes.KindToolCall:
			b.WriteString("assistant: ")
			b.WriteString(msg.Content)
			for _, call := range msg.ToolCalls {
				fmt.Fprintf(&b, " [called %s with %s]", call.Name, call.Arguments)
			}
		case datatypes.KindToolResult:
			b.WriteString("tool: ")
			b.WriteString(msg.Content)
		case datatypes.KindSummary:
			b.WriteString("summary: ")
			b.WriteString(msg.Content)
		default:
			continue
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
