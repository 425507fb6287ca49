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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/qingpingwang/Agent-Test/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// anthropicEvent renders one named SSE event.
func anthropicEvent(name, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", name, data)
}

func newMockAnthropicServer(t *testing.T, events []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, e := range events {
			_, _ = w.Write([]byte(e))
		}
	}))
}

const anthropicMessageStart = `{"type":"message_start","message":{"id":"msg_01","type":"message","role":"assistant","content":[],"model":"claude-test","stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":3,"output_tokens":1}}}`

// TestAnthropicModel_ChatStream_Text verifies that text deltas are tagged ai
// and carry the id from message_start.
func TestAnthropicModel_ChatStream_Text(t *testing.T) {
	server := newMockAnthropicServer(t, []string{
		anthropicEvent("message_start", anthropicMessageStart),
		anthropicEvent("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi "}}`),
		anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"there"}}`),
		anthropicEvent("content_block_stop", `{"type":"content_block_stop","index":0}`),
		anthropicEvent("message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":2}}`),
		anthropicEvent("message_stop", `{"type":"message_stop"}`),
	})
	defer server.Close()

	model, err := NewAnthropicModel(AnthropicConfig{APIKey: "k", BaseURL: server.URL, Model: "claude-test"})
	require.NoError(t, err)

	var fragments []datatypes.StreamFragment
	msgs, err := model.ChatStream(context.Background(), ChatRequest{
		Messages: []datatypes.Message{datatypes.NewHumanMessage("hello")},
		Params:   datatypes.GenerationParams{SystemPrompt: "sys"},
	}, func(f datatypes.StreamFragment) {
		fragments = append(fragments, f)
	})
	require.NoError(t, err)

	require.Len(t, fragments, 2)
	for _, f := range fragments {
		assert.Equal(t, "msg_01", f.MessageID)
		assert.Equal(t, datatypes.KindAI, f.Kind)
	}
	require.Len(t, msgs, 1)
	assert.Equal(t, "msg_01", msgs[0].ID)
	assert.Equal(t, "Hi there", msgs[0].Content)
}

// TestAnthropicModel_ChatStream_ToolUse verifies tool_use blocks become
// tool_call fragments and a consolidated tool_call message.
func TestAnthropicModel_ChatStream_ToolUse(t *testing.T) {
	server := newMockAnthropicServer(t, []string{
		anthropicEvent("message_start", anthropicMessageStart),
		anthropicEvent("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"lookup","input":{}}}`),
		anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"id\":"}}`),
		anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"7}"}}`),
		anthropicEvent("content_block_stop", `{"type":"content_block_stop","index":0}`),
		anthropicEvent("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":9}}`),
		anthropicEvent("message_stop", `{"type":"message_stop"}`),
	})
	defer server.Close()

	model, err := NewAnthropicModel(AnthropicConfig{APIKey: "k", BaseURL: server.URL})
	require.NoError(t, err)

	var fragments []datatypes.StreamFragment
	msgs, err := model.ChatStream(context.Background(), ChatRequest{
		Messages: []datatypes.Message{datatypes.NewHumanMessage("look up 7")},
	}, func(f datatypes.StreamFragment) {
		fragments = append(fragments, f)
	})
	require.NoError(t, err)

	require.Len(t, fragments, 3)
	assert.Equal(t, datatypes.KindToolCall, fragments[0].Kind)
	assert.Equal(t, "toolu_1", fragments[0].ToolCallDeltas[0].ID)
	assert.Equal(t, "lookup", fragments[0].ToolCallDeltas[0].Name)

	require.Len(t, msgs, 1)
	assert.Equal(t, datatypes.KindToolCall, msgs[0].Kind)
	require.Len(t, msgs[0].ToolCalls, 1)
	assert.Equal(t, `{"id":7}`, msgs[0].ToolCalls[0].Arguments)
}

func TestNewAnthropicModel_RequiresKey(t *testing.T) {
	_, err := NewAnthropicModel(AnthropicConfig{})
	assert.Error(t, err)
}

func TestToAnthropicMessages_SkipsEmptyAssistantText(t *testing.T) {
	out := toAnthropicMessages([]datatypes.Message{
		datatypes.NewHumanMessage("a"),
		datatypes.NewAIMessage("m1", "  "),
		datatypes.NewToolResultMessage("m2", "c1", "ok"),
	})
	assert.Len(t, out, 2)
}
