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
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/datatypes"
)

// perMessageOverhead approximates role and framing tokens per message.
const perMessageOverhead = 4

// TokenCounter estimates how many tokens a message list occupies.
type TokenCounter interface {
	Count(msgs []datatypes.Message) int
}

// CharCounter estimates tokens as ceil(chars / CharsPerToken).
//
// It has no external state and is deterministic, which makes it the counter
// of choice in tests.
type CharCounter struct {
	CharsPerToken int
}

// Count implements TokenCounter.
func (c CharCounter) Count(msgs []datatypes.Message) int {
	per := c.CharsPerToken
	if per <= 0 {
		per = 4
	}
	total := 0
	for _, m := range msgs {
		chars := len([]rune(messageText(m)))
		total += (chars+per-1)/per + perMessageOverhead
	}
	return total
}

// tokenEncoder is the part of a tiktoken encoding the counter needs.
type tokenEncoder interface {
	Encode(text string, allowedSpecial, disallowedSpecial []string) []int
}

// encoderLoader resolves the encoder for a model name.
type encoderLoader func(model string) (tokenEncoder, error)

// loadTiktoken returns the model's encoding, or cl100k_base when tiktoken
// does not know the model. The BPE file is fetched on first use and cached
// under TIKTOKEN_CACHE_DIR when that is set.
func loadTiktoken(model string) (tokenEncoder, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
	}
	if err != nil {
		return nil, err
	}
	return enc, nil
}

// ModelCounter estimates tokens with a tiktoken encoding.
//
// # Description
//
// The encoding is resolved once, in the background, when the counter is
// created. Until it is ready, or when it cannot be loaded at all, Count
// returns the CharCounter estimate. Count never touches the network.
//
// # Thread Safety
//
// Safe for concurrent use.
type ModelCounter struct {
	model    string
	fallback CharCounter

	mu  sync.RWMutex
	enc tokenEncoder
}

// NewModelCounter starts resolving the encoding for model.
//
// # Inputs
//
//   - ctx: Bounds how long the constructor waits for the encoding. Loading
//     continues after ctx ends and the counter switches over once it is done.
//   - model: Model name used to pick the encoding.
//   - logger: Receives one warning when the encoding is slow or unavailable.
func NewModelCounter(ctx context.Context, model string, logger *slog.Logger) *ModelCounter {
	return newModelCounter(ctx, model, logger, loadTiktoken)
}

func newModelCounter(ctx context.Context, model string, logger *slog.Logger, load encoderLoader) *ModelCounter {
	if logger == nil {
		logger = slog.Default()
	}
	c := &ModelCounter{model: model}

	done := make(chan struct{})
	go func() {
		defer close(done)
		enc, err := load(model)
		if err != nil {
			logger.Warn("Tokenizer unavailable, using character estimate",
				"model", model, "error", err)
			return
		}
		c.mu.Lock()
		c.enc = enc
		c.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("Tokenizer still loading, using character estimate until ready", "model", model)
	}
	return c
}

// Model returns the model name the encoding was chosen for.
func (c *ModelCounter) Model() string {
	return c.model
}

// Ready reports whether the tokenizer has been loaded.
func (c *ModelCounter) Ready() bool {
	return c.encoder() != nil
}

func (c *ModelCounter) encoder() tokenEncoder {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enc
}

// Count implements TokenCounter.
func (c *ModelCounter) Count(msgs []datatypes.Message) int {
	enc := c.encoder()
	if enc == nil {
		return c.fallback.Count(msgs)
	}
	total := 0
	for _, m := range msgs {
		total += len(enc.Encode(messageText(m), nil, nil)) + perMessageOverhead
	}
	return total
}

// messageText is the text of a message as a provider would see it.
func messageText(m datatypes.Message) string {
	text := m.Content
	for _, tc := range m.ToolCalls {
		text += tc.Name + tc.Arguments
	}
	return text
}
