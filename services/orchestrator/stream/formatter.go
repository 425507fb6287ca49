// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stream turns model fragments into client events.
//
// # Description
//
// Formatter is a small state machine. It classifies every fragment, emits a
// message_change event whenever the logical message changes, renders the
// fragment into a token event and always closes the sequence with exactly
// one done event. RenderHistory applies the same rendering to stored
// messages for the history endpoint.
//
// # Thread Safety
//
// Formatter methods may be called from different goroutines. Events are
// written in call order.
package stream

import (
	"fmt"
	"strings"
	"sync"

	"github.com/qingpingwang/Agent-Test/services/orchestrator/datatypes"
)

// =============================================================================
// Classification
// =============================================================================

// Classify returns the client role of a fragment.
//
// # Description
//
// Tool call deltas win over everything else. A tool call id or the
// tool_result kind makes a tool result. Everything else is human or ai by
// declared kind; a summary reads as human because it is injected on the
// user side of the conversation.
func Classify(f datatypes.StreamFragment) datatypes.Role {
	return classify(f.Kind, len(f.ToolCallDeltas) > 0, f.ToolCallID)
}

// ClassifyMessage returns the client role of a stored message.
func ClassifyMessage(m datatypes.Message) datatypes.Role {
	return classify(m.Kind, len(m.ToolCalls) > 0, m.ToolCallID)
}

func classify(kind datatypes.MessageKind, hasCalls bool, toolCallID string) datatypes.Role {
	switch {
	case hasCalls || kind == datatypes.KindToolCall:
		return datatypes.RoleToolCall
	case toolCallID != "" || kind == datatypes.KindToolResult:
		return datatypes.RoleToolResult
	case kind == datatypes.KindHuman || kind == datatypes.KindSummary:
		return datatypes.RoleHuman
	default:
		return datatypes.RoleAI
	}
}

// =============================================================================
// Tool Result Filter
// =============================================================================

// ToolResultFilter decides which tool_result fragments are dropped.
type ToolResultFilter string

const (
	// FilterSkipEmpty drops fragments with neither a tool call id nor content.
	FilterSkipEmpty ToolResultFilter = "skip_empty"

	// FilterSkipOrphanContent drops fragments that carry content but no tool
	// call id.
	FilterSkipOrphanContent ToolResultFilter = "skip_orphan_content"

	// FilterSkipMissingID drops every fragment without a tool call id.
	FilterSkipMissingID ToolResultFilter = "skip_missing_id"

	// FilterNone keeps everything.
	FilterNone ToolResultFilter = "none"
)

// ParseToolResultFilter validates s. Empty means FilterSkipEmpty.
func ParseToolResultFilter(s string) (ToolResultFilter, error) {
	switch f := ToolResultFilter(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FilterSkipEmpty, nil
	case FilterSkipEmpty, FilterSkipOrphanContent, FilterSkipMissingID, FilterNone:
		return f, nil
	default:
		return "", fmt.Errorf("unknown tool result filter %q", s)
	}
}

func (f ToolResultFilter) drops(toolCallID, content string) bool {
	switch f {
	case FilterNone:
		return false
	case FilterSkipOrphanContent:
		return toolCallID == "" && content != ""
	case FilterSkipMissingID:
		return toolCallID == ""
	default:
		return toolCallID == "" && content == ""
	}
}

// =============================================================================
// Formatter
// =============================================================================

// EventWriter receives formatted events. The SSE writer implements it.
type EventWriter interface {
	WriteEvent(event datatypes.StreamEvent) error
}

// Formatter converts fragments into the client event sequence.
//
// # Description
//
// Handle is shaped like llm.StreamCallback and can be passed to the model
// directly. Finish must be called exactly once the turn is over, whatever
// the outcome.
//
// When a write fails the formatter detaches: the client is gone, so later
// fragments and the terminal events are dropped silently.
type Formatter struct {
	mu        sync.Mutex
	w         EventWriter
	filter    ToolResultFilter
	currentID string
	tokens    int
	onToken   func()
	detached  bool
	finished  bool
	writeErr  error
}

// NewFormatter creates a Formatter writing to w.
func NewFormatter(w EventWriter, filter ToolResultFilter) *Formatter {
	if filter == "" {
		filter = FilterSkipEmpty
	}
	return &Formatter{w: w, filter: filter}
}

// OnFirstToken registers fn to run when the first token event is written.
func (f *Formatter) OnFirstToken(fn func()) {
	f.mu.Lock()
	f.onToken = fn
	f.mu.Unlock()
}

// Handle formats one fragment.
func (f *Formatter) Handle(frag datatypes.StreamFragment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.detached || f.finished {
		return
	}

	role := Classify(frag)
	// A filtered tool result is not shown at all, boundary included.
	if role == datatypes.RoleToolResult && f.filter.drops(frag.ToolCallID, frag.Content) {
		return
	}
	if frag.MessageID != f.currentID {
		// An assistant message announced before any text would show up as an
		// empty turn. Wait for its first real content.
		if role == datatypes.RoleAI && frag.Content == "" {
			return
		}
		if !f.write(datatypes.StreamEvent{Type: datatypes.EventMessageChange, Role: role}) {
			return
		}
		f.currentID = frag.MessageID
	}

	var content string
	switch role {
	case datatypes.RoleToolCall:
		content = renderToolCallDeltas(frag.ToolCallDeltas)
	case datatypes.RoleToolResult:
		content = renderToolResult(frag.ToolCallID, frag.Content)
	default:
		content = frag.Content
	}
	if content == "" {
		return
	}

	if f.write(datatypes.StreamEvent{
		Type:          datatypes.EventToken,
		Content:       content,
		ChunkPosition: frag.Position,
	}) {
		f.tokens++
		if f.tokens == 1 && f.onToken != nil {
			f.onToken()
		}
	}
}

// Finish ends the sequence.
//
// # Description
//
// A non-empty errMessage is emitted as one error event. A single done event
// follows. Later calls do nothing, and Handle ignores fragments from then on.
func (f *Formatter) Finish(errMessage string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished {
		return
	}
	f.finished = true
	if f.detached {
		return
	}
	if errMessage != "" {
		if !f.write(datatypes.StreamEvent{Type: datatypes.EventError, Error: errMessage}) {
			return
		}
	}
	f.write(datatypes.StreamEvent{Type: datatypes.EventDone})
}

// Detach stops all further writes. Use it when the client has gone away.
func (f *Formatter) Detach() {
	f.mu.Lock()
	f.detached = true
	f.mu.Unlock()
}

// Detached reports whether the formatter stopped writing, and why.
func (f *Formatter) Detached() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detached, f.writeErr
}

// Tokens returns the number of token events written.
func (f *Formatter) Tokens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens
}

// write must be called with mu held.
func (f *Formatter) write(ev datatypes.StreamEvent) bool {
	if err := f.w.WriteEvent(ev); err != nil {
		f.detached = true
		f.writeErr = err
		return false
	}
	return true
}

// =============================================================================
// Rendering
// =============================================================================

func renderToolCallDeltas(deltas []datatypes.ToolCallDelta) string {
	var b strings.Builder
	for _, d := range deltas {
		if d.ID != "" {
			fmt.Fprintf(&b, "🔧 Tool Call(%s):\n", d.ID)
		}
		if d.Name != "" {
			fmt.Fprintf(&b, "name: %s\nargs: ", d.Name)
		}
		b.WriteString(d.Arguments)
	}
	return b.String()
}

func renderToolResult(toolCallID, content string) string {
	return fmt.Sprintf("✅ Tool Result(%s):\nresult: %s", toolCallID, content)
}

// RenderHistory renders stored messages for the history endpoint.
//
// # Description
//
// Tool calls become one block listing every complete call; calls missing an
// id or a name are skipped. A tool result becomes one labelled block. Other
// messages keep their content.
func RenderHistory(msgs []datatypes.Message) []datatypes.HistoryMessage {
	out := make([]datatypes.HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		role := ClassifyMessage(m)
		var content string
		switch role {
		case datatypes.RoleToolCall:
			var b strings.Builder
			for _, call := range m.ToolCalls {
				if call.ID == "" || call.Name == "" {
					continue
				}
				fmt.Fprintf(&b, "🔧 Tool Call(%s):\nname: %s\nargs: %s\n\n", call.ID, call.Name, call.Arguments)
			}
			content = strings.TrimSpace(b.String())
		case datatypes.RoleToolResult:
			content = renderToolResult(m.ToolCallID, m.Content)
		default:
			content = m.Content
		}
		out = append(out, datatypes.HistoryMessage{Role: role, Content: content})
	}
	return out
}
