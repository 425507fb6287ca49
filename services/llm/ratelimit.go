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
	"fmt"

	"github.com/qingpingwang/Agent-Test/services/orchestrator/datatypes"
	"golang.org/x/time/rate"
)

// RateLimitedModel throttles calls to an underlying ChatModel.
//
// # Description
//
// Every ChatStream and Complete call waits for a token from a shared
// token bucket before reaching the provider. Waiting honours ctx, so a
// cancelled or expired context returns immediately with the context error.
//
// # Thread Safety
//
// Safe for concurrent use. rate.Limiter is internally synchronized.
type RateLimitedModel struct {
	next    ChatModel
	limiter *rate.Limiter
}

var _ ChatModel = (*RateLimitedModel)(nil)

// NewRateLimitedModel wraps next with a limiter allowing rps calls per second
// and bursts of burst calls. rps <= 0 disables limiting and returns next.
func NewRateLimitedModel(next ChatModel, rps float64, burst int) ChatModel {
	if rps <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedModel{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// ChatStream implements ChatModel.
func (r *RateLimitedModel) ChatStream(ctx context.Context, req ChatRequest, callback StreamCallback) ([]datatypes.Message, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	return r.next.ChatStream(ctx, req, callback)
}

// Complete implements ChatModel.
func (r *RateLimitedModel) Complete(ctx context.Context, req ChatRequest) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}
	return r.next.Complete(ctx, req)
}

// ModelName implements ChatModel.
func (r *RateLimitedModel) ModelName() string {
	return r.next.ModelName()
}
