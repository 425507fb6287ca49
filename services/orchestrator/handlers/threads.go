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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/checkpoint"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/datatypes"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/stream"
)

const (
	msgThreadAlreadyExists = "thread_already_exists"
	errThreadNotFound      = "thread_not_found"
	errInvalidThreadID     = "invalid thread id"
)

// HandleInitThread handles POST /api/thread/:id/init.
//
// # Description
//
// Idempotent. A thread that already has visible messages is left alone
// and reported as existing; otherwise an empty state is stored.
//
// # Outputs
//
//   - 200 {"success": true, "message": "thread_already_exists"}
//   - 200 {"success": true, "thread_id": id}
//   - 400 for an invalid id, 500 {"success": false, "error": ...} on store failure.
func (h *ChatHandler) HandleInitThread(c *gin.Context) {
	threadID := c.Param("id")
	if err := datatypes.ValidateThreadID(threadID); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: errInvalidThreadID})
		return
	}

	exists, err := h.svc.InitThread(c.Request.Context(), threadID)
	if err != nil {
		slog.Error("Thread init failed", "thread_id", threadID, "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: err.Error()})
		return
	}
	if exists {
		c.JSON(http.StatusOK, datatypes.InitThreadResponse{Success: true, Message: msgThreadAlreadyExists})
		return
	}
	c.JSON(http.StatusOK, datatypes.InitThreadResponse{Success: true, ThreadID: threadID})
}

// HandleThreadMessages handles GET /api/thread/:id/messages.
//
// # Outputs
//
//   - 200 {"success": true, "messages": [{role, content}]}
//   - 404 {"success": false, "error": "thread_not_found"}
//   - 500 {"success": false, "error": ...} on store failure.
func (h *ChatHandler) HandleThreadMessages(c *gin.Context) {
	threadID := c.Param("id")
	if err := datatypes.ValidateThreadID(threadID); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: errInvalidThreadID})
		return
	}

	msgs, err := h.svc.History(c.Request.Context(), threadID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: errThreadNotFound})
		return
	}
	if err != nil {
		slog.Error("Get history failed", "thread_id", threadID, "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, datatypes.HistoryResponse{Success: true, Messages: stream.RenderHistory(msgs)})
}

// HandleWelcome handles GET /api/welcome.
func (h *ChatHandler) HandleWelcome(c *gin.Context) {
	c.JSON(http.StatusOK, datatypes.WelcomeResponse{Success: true, Message: h.cfg.WelcomeMessage})
}

// HealthCheck handles GET /health.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
