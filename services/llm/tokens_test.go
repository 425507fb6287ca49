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
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qingpingwang/Agent-Test/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wordEncoder counts one token per whitespace separated word.
type wordEncoder struct{}

func (wordEncoder) Encode(text string, _, _ []string) []int {
	return make([]int, len(strings.Fields(text)))
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestModelCounter_UsesLoadedEncoder(t *testing.T) {
	c := newModelCounter(context.Background(), "gpt-4o-mini", quietLogger(),
		func(string) (tokenEncoder, error) { return wordEncoder{}, nil })

	require.True(t, c.Ready())
	assert.Equal(t, "gpt-4o-mini", c.Model())
	n := c.Count([]datatypes.Message{datatypes.NewHumanMessage("one two three")})
	assert.Equal(t, 3+perMessageOverhead, n)
}

// TestModelCounter_LoadsOnce verifies the encoder is resolved at
// construction and never again while counting.
func TestModelCounter_LoadsOnce(t *testing.T) {
	var loads atomic.Int32
	c := newModelCounter(context.Background(), "qwen-plus", quietLogger(),
		func(string) (tokenEncoder, error) {
			loads.Add(1)
			return wordEncoder{}, nil
		})

	msgs := []datatypes.Message{
		datatypes.NewHumanMessage("a b"),
		datatypes.NewAIMessage("r1", "c"),
	}
	for i := 0; i < 5; i++ {
		c.Count(msgs)
	}
	assert.Equal(t, int32(1), loads.Load())
}

func TestModelCounter_FallsBackWhenLoadFails(t *testing.T) {
	c := newModelCounter(context.Background(), "qwen-plus", quietLogger(),
		func(string) (tokenEncoder, error) { return nil, errors.New("offline") })

	msgs := []datatypes.Message{datatypes.NewHumanMessage("12345678")}
	assert.False(t, c.Ready())
	assert.Equal(t, CharCounter{}.Count(msgs), c.Count(msgs))
}

// TestModelCounter_SwitchesOverAfterSlowLoad verifies a slow load does not
// block construction past ctx, and the encoder is used once it arrives.
func TestModelCounter_SwitchesOverAfterSlowLoad(t *testing.T) {
	release := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	c := newModelCounter(ctx, "gpt-4o", quietLogger(),
		func(string) (tokenEncoder, error) {
			<-release
			return wordEncoder{}, nil
		})

	msgs := []datatypes.Message{datatypes.NewHumanMessage("x y z w v u t s")}
	assert.False(t, c.Ready())
	assert.Equal(t, CharCounter{}.Count(msgs), c.Count(msgs))

	close(release)
	require.Eventually(t, c.Ready, time.Second, 5*time.Millisecond)
	assert.Equal(t, 8+perMessageOverhead, c.Count(msgs))
}
