// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/qingpingwang/Agent-Test/services/llm"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/conversation"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/datatypes"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/observability"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/stream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// DefaultHeartbeatInterval is the interval for sending keepalive pings.
	// Set to 15s to stay well under typical LB timeouts (60s for ALB/Nginx).
	DefaultHeartbeatInterval = 15 * time.Second
)

var tracer = otel.Tracer("chatserver.handlers")

// =============================================================================
// Interfaces
// =============================================================================

// ConversationService is what the chat handlers need from the conversation
// layer. *conversation.Service implements it.
type ConversationService interface {
	RunTurn(ctx context.Context, threadID, message string, cb llm.StreamCallback) (conversation.TurnResult, error)
	InitThread(ctx context.Context, threadID string) (bool, error)
	History(ctx context.Context, threadID string) ([]datatypes.Message, error)
}

// =============================================================================
// Handler
// =============================================================================

// ChatHandlerConfig configures a ChatHandler.
type ChatHandlerConfig struct {
	// WelcomeMessage is returned by GET /api/welcome.
	WelcomeMessage string

	// ToolResultFilter selects which tool_result fragments are streamed.
	ToolResultFilter stream.ToolResultFilter

	// HeartbeatInterval defaults to DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration
}

// ChatHandler serves the chat API.
//
// # Description
//
// The streaming endpoint runs one conversation turn per request and
// relays its fragments as SSE events. The thread endpoints initialize
// threads and render their visible history.
//
// # Thread Safety
//
// Safe for concurrent use.
type ChatHandler struct {
	svc ConversationService
	cfg ChatHandlerConfig
}

// NewChatHandler creates a ChatHandler.
//
// # Limitations
//
//   - Panics on a nil service.
func NewChatHandler(svc ConversationService, cfg ChatHandlerConfig) *ChatHandler {
	if svc == nil {
		panic("NewChatHandler: svc must not be nil")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ToolResultFilter == "" {
		cfg.ToolResultFilter = stream.FilterSkipEmpty
	}
	return &ChatHandler{svc: svc, cfg: cfg}
}

// HandleChatStream handles POST /api/chat/stream.
//
// # Description
//
// Validates the body, then answers with an SSE stream: one thread_id
// event, the formatted turn and exactly one done event. A failed turn adds
// one error event before done and persists nothing.
//
// The turn runs on a context that survives client disconnects. A client
// that leaves only stops event delivery; the model call and the checkpoint
// write still complete.
//
// # Outputs
//
//   - 400 {"error": "invalid request body"} for unparseable JSON.
//   - 400 {"error": "missing thread_id or message"} for blank fields.
//   - 400 {"error": "invalid request: ..."} for other validation failures.
//   - 200 text/event-stream otherwise.
func (h *ChatHandler) HandleChatStream(c *gin.Context) {
	startTime := time.Now()
	endpoint := observability.EndpointChatStream
	requestID := uuid.NewString()

	ctx, span := tracer.Start(c.Request.Context(), "HandleChatStream")
	defer span.End()

	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted(endpoint)
		defer m.StreamEnded(endpoint)
	}

	success := false
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(endpoint, success)
			m.RecordStreamDuration(endpoint, time.Since(startTime).Seconds(), success)
		}
	}()

	// Step 1: Parse and validate
	var req datatypes.ChatStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		slog.Warn("Failed to parse chat stream request", "error", err, "request_id", requestID)
		recordError(endpoint, observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		span.SetStatus(codes.Error, "validation failed")
		recordError(endpoint, observability.ErrorCodeValidation)
		if errors.Is(err, datatypes.ErrMissingFields) {
			c.JSON(http.StatusBadRequest, gin.H{"error": datatypes.ErrMissingFields.Error()})
			return
		}
		slog.Warn("Chat stream request validation failed", "error", err, "request_id", requestID)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	span.SetAttributes(
		attribute.String("request.id", requestID),
		attribute.String("thread_id", req.ThreadID),
		attribute.Int("request.message_bytes", len(req.Message)),
	)
	slog.Info("Chat stream request received",
		"request_id", requestID,
		"thread_id", req.ThreadID,
		"message_bytes", len(req.Message))

	// Step 2: Open the event stream
	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "SSE setup failed")
		recordError(endpoint, observability.ErrorCodeInternal)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Streaming not supported"})
		return
	}
	c.Status(http.StatusOK)
	if err := writer.WriteThreadID(req.ThreadID); err != nil {
		slog.Debug("Client gone before first event", "request_id", requestID, "error", err)
		recordError(endpoint, observability.ErrorCodeClientDisconnect)
		return
	}

	formatter := stream.NewFormatter(writer, h.cfg.ToolResultFilter)
	formatter.OnFirstToken(func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordTimeToFirstToken(endpoint, time.Since(startTime).Seconds())
		}
	})

	// Step 3: Heartbeat and disconnect watch
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.runHeartbeat(ctx, writer, endpoint, done)
	}()
	go func() {
		defer wg.Done()
		select {
		case <-done:
		case <-ctx.Done():
			formatter.Detach()
			slog.Info("Client disconnected mid-stream", "request_id", requestID, "thread_id", req.ThreadID)
			recordError(endpoint, observability.ErrorCodeClientDisconnect)
			if m := observability.DefaultMetrics; m != nil {
				m.RecordClientDisconnect(endpoint)
			}
		}
	}()

	// Step 4: Run the turn
	_, turnErr := h.svc.RunTurn(context.WithoutCancel(ctx), req.ThreadID, req.Message, formatter.Handle)

	close(done)
	wg.Wait()

	if turnErr != nil {
		span.RecordError(turnErr)
		span.SetStatus(codes.Error, "turn failed")
		slog.Error("Chat turn failed",
			"request_id", requestID,
			"thread_id", req.ThreadID,
			"error", turnErr)
		recordError(endpoint, errorCodeFor(turnErr))
		formatter.Finish(sanitizeErrorForClient(turnErr))
		return
	}

	formatter.Finish("")
	success = true
	slog.Info("Chat stream completed",
		"request_id", requestID,
		"thread_id", req.ThreadID,
		"tokens", formatter.Tokens(),
		"duration", time.Since(startTime))
}

// runHeartbeat sends keepalive comments until done is closed or ctx ends.
//
// # Limitations
//
//   - A failed keepalive write ends the heartbeat.
func (h *ChatHandler) runHeartbeat(ctx context.Context, writer SSEWriter, endpoint observability.Endpoint, done <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				slog.Debug("Failed to write keepalive", "error", err)
				return
			}
			if m := observability.DefaultMetrics; m != nil {
				m.RecordKeepAlive(endpoint)
			}
		}
	}
}

// =============================================================================
// Error Helpers
// =============================================================================

func recordError(endpoint observability.Endpoint, code observability.ErrorCode) {
	if m := observability.DefaultMetrics; m != nil {
		m.RecordError(endpoint, code)
	}
}

func errorCodeFor(err error) observability.ErrorCode {
	switch conversation.ClassOf(err) {
	case conversation.ErrorClassPersistence:
		return observability.ErrorCodePersistence
	case llm.ErrorClassTransient:
		return observability.ErrorCodeLLMTransient
	default:
		return observability.ErrorCodeLLMFatal
	}
}

// sanitizeErrorForClient describes a failed turn without internal details.
//
// # Description
//
// Provider payloads, file paths and store errors stay in the server log.
// The client learns which stage failed and whether a retry may help.
func sanitizeErrorForClient(err error) string {
	switch conversation.ClassOf(err) {
	case conversation.ErrorClassPersistence:
		return "execution error: the conversation could not be saved, please retry"
	case llm.ErrorClassTransient:
		return "execution error: the model is temporarily unavailable (transient), please retry"
	default:
		return "execution error: the model request failed (fatal)"
	}
}
