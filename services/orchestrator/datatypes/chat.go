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
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single user message.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxThreadIDBytes bounds the conversation id length.
	MaxThreadIDBytes = 256
)

// ErrMissingFields is returned when thread_id or message is absent or blank.
var ErrMissingFields = errors.New("missing thread_id or message")

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
	_ = chatValidate.RegisterValidation("notblank", validateNotBlank)
}

// validateMaxBytes checks byte length, not rune count.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// =============================================================================
// Request Types
// =============================================================================

// ChatStreamRequest is the body of POST /api/chat/stream.
//
// # Description
//
// Both fields are required. A blank message counts as missing. The message is
// limited to MaxMessageContentBytes.
//
// # Examples
//
//	{"thread_id": "t1", "message": "Hello"}
type ChatStreamRequest struct {
	ThreadID string `json:"thread_id" validate:"notblank,max=256"`
	Message  string `json:"message" validate:"notblank,maxbytes"`
}

// Validate validates the request.
//
// # Outputs
//
//   - error: ErrMissingFields when either field is blank, otherwise the
//     validator error describing the offending field.
func (r *ChatStreamRequest) Validate() error {
	if strings.TrimSpace(r.ThreadID) == "" || strings.TrimSpace(r.Message) == "" {
		return ErrMissingFields
	}
	return chatValidate.Struct(r)
}

// ValidateThreadID validates a thread id taken from a URL path.
func ValidateThreadID(id string) error {
	return chatValidate.Var(id, "notblank,max=256")
}

// =============================================================================
// Response Types
// =============================================================================

// WelcomeResponse is returned by GET /api/welcome.
type WelcomeResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// InitThreadResponse is returned by POST /api/thread/:id/init.
//
// On success exactly one of Message ("thread_already_exists") or ThreadID is
// set. On failure Success is false and Error describes the problem.
type InitThreadResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// HistoryMessage is one rendered entry of GET /api/thread/:id/messages.
type HistoryMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// HistoryResponse is returned by GET /api/thread/:id/messages on success.
type HistoryResponse struct {
	Success  bool             `json:"success"`
	Messages []HistoryMessage `json:"messages"`
}

// ErrorResponse is the failure body of the thread endpoints.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}
