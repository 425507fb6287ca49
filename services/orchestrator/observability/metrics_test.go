// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// newTestMetrics creates metrics on a private registry so tests never touch
// the global one.
func newTestMetrics(t *testing.T) *StreamingMetrics {
	t.Helper()
	return NewStreamingMetrics(prometheus.NewRegistry())
}

func TestRecordRequest(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRequest(EndpointChatStream, true)
	m.RecordRequest(EndpointChatStream, true)
	m.RecordRequest(EndpointChatStream, false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat_stream", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat_stream", "error")))
}

func TestActiveStreams(t *testing.T) {
	m := newTestMetrics(t)

	m.StreamStarted(EndpointChatStream)
	m.StreamStarted(EndpointChatStream)
	m.StreamEnded(EndpointChatStream)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveStreams.WithLabelValues("chat_stream")))
}

func TestRecordError(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordError(EndpointChatStream, ErrorCodeLLMTransient)
	m.RecordError(EndpointChatStream, ErrorCodePersistence)
	m.RecordError(EndpointChatStream, ErrorCodePersistence)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("chat_stream", "llm_transient")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("chat_stream", "persistence")))
}

func TestRecordTurn(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordTurn("")
	m.RecordTurn("fatal")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TurnsTotal.WithLabelValues("success", "none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TurnsTotal.WithLabelValues("error", "fatal")))
}

func TestRecordContext(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordContext(1000, false)
	m.RecordContext(9000, true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SummarizationsTotal))
	assert.Equal(t, 2, testutil.CollectAndCount(m.ContextTokens))
}

func TestRecordCheckpointOp(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordCheckpointOp("badger", "put", false, 2*time.Millisecond)
	m.RecordCheckpointOp("badger", "get", true, time.Millisecond)

	assert.Equal(t, 2, testutil.CollectAndCount(m.CheckpointOpSeconds))
}

func TestKeepAliveAndDisconnect(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordKeepAlive(EndpointChatStream)
	m.RecordClientDisconnect(EndpointChatStream)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.KeepAlivesTotal.WithLabelValues("chat_stream")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClientDisconnectsTotal.WithLabelValues("chat_stream")))
}

func TestInitMetrics_Idempotent(t *testing.T) {
	first := InitMetrics()
	second := InitMetrics()
	assert.Same(t, first, second)
	assert.Same(t, first, DefaultMetrics)
}
