// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the chat server.
//
// # Description
//
// This package implements Prometheus metrics for monitoring streamed chat
// turns. Metrics include:
//   - Request and turn counters (by endpoint, status, error class)
//   - Latency histograms (time to first token, total duration)
//   - Active stream gauges
//   - Context summarization and checkpoint store activity
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "chatserver"

const (
	streamingSubsystem    = "streaming"
	conversationSubsystem = "conversation"
	checkpointSubsystem   = "checkpoint"
)

// StreamingMetrics holds all Prometheus metrics for the chat server.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring streaming
// performance, context management and persistence. Create once at startup
// via InitMetrics, or with NewStreamingMetrics against a private registry in
// tests.
//
// # Thread Safety
//
// All operations are thread-safe.
type StreamingMetrics struct {
	// RequestsTotal counts streaming requests by endpoint and status.
	RequestsTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures latency to the first token event.
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures total stream duration.
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently open streams.
	ActiveStreams *prometheus.GaugeVec

	// ErrorsTotal counts errors by endpoint and error code.
	ErrorsTotal *prometheus.CounterVec

	// KeepAlivesTotal counts keepalive comments sent.
	KeepAlivesTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts clients that went away mid-stream.
	ClientDisconnectsTotal *prometheus.CounterVec

	// TurnsTotal counts conversation turns by outcome.
	// Labels: status (success, error), error_class (none, transient, fatal)
	TurnsTotal *prometheus.CounterVec

	// SummarizationsTotal counts working context compressions.
	SummarizationsTotal prometheus.Counter

	// ContextTokens observes the estimated token count sent to the model.
	ContextTokens prometheus.Histogram

	// CheckpointOpSeconds measures checkpoint store calls.
	// Labels: backend, op (get, put, init), status (success, error)
	CheckpointOpSeconds *prometheus.HistogramVec
}

// DefaultMetrics is the process-wide instance. Nil until InitMetrics runs,
// and every caller checks for nil before recording.
var DefaultMetrics *StreamingMetrics

var initOnce sync.Once

// InitMetrics registers the metrics with the default Prometheus registry.
//
// # Description
//
// Safe to call more than once. Only the first call registers; later calls
// return the same instance.
func InitMetrics() *StreamingMetrics {
	initOnce.Do(func() {
		DefaultMetrics = NewStreamingMetrics(prometheus.DefaultRegisterer)
	})
	return DefaultMetrics
}

// NewStreamingMetrics creates and registers all metrics with reg.
//
// # Inputs
//
//   - reg: Target registry. Tests pass prometheus.NewRegistry().
//
// # Limitations
//
//   - Panics if the same registry already holds these metrics.
func NewStreamingMetrics(reg prometheus.Registerer) *StreamingMetrics {
	factory := promauto.With(reg)
	return &StreamingMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "requests_total",
				Help:      "Total number of streaming requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		TimeToFirstTokenSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from request to first token in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),

		StreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "status"},
		),

		ActiveStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently active streaming connections",
			},
			[]string{"endpoint"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "errors_total",
				Help:      "Total streaming errors by type and endpoint",
			},
			[]string{"endpoint", "error_code"},
		),

		KeepAlivesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive pings sent",
			},
			[]string{"endpoint"},
		),

		ClientDisconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"endpoint"},
		),

		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: conversationSubsystem,
				Name:      "turns_total",
				Help:      "Total conversation turns by status and error class",
			},
			[]string{"status", "error_class"},
		),

		SummarizationsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: conversationSubsystem,
				Name:      "summarizations_total",
				Help:      "Total working context summarizations",
			},
		),

		ContextTokens: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: conversationSubsystem,
				Name:      "context_tokens",
				Help:      "Estimated tokens in the working context sent to the model",
				Buckets:   prometheus.ExponentialBuckets(256, 2, 8),
			},
		),

		CheckpointOpSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: checkpointSubsystem,
				Name:      "op_duration_seconds",
				Help:      "Checkpoint store call latency by backend, op and status",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"backend", "op", "status"},
		),
	}
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	// ErrorCodeValidation indicates request validation failure.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeLLMTransient indicates a model failure worth retrying.
	ErrorCodeLLMTransient ErrorCode = "llm_transient"

	// ErrorCodeLLMFatal indicates a model failure a retry will not fix.
	ErrorCodeLLMFatal ErrorCode = "llm_fatal"

	// ErrorCodePersistence indicates a checkpoint store failure.
	ErrorCodePersistence ErrorCode = "persistence"

	// ErrorCodeInternal indicates internal server error.
	ErrorCodeInternal ErrorCode = "internal"

	// ErrorCodeClientDisconnect indicates client disconnected.
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

// =============================================================================
// Endpoint Names
// =============================================================================

// Endpoint represents a streaming endpoint for metrics labeling.
type Endpoint string

const (
	// EndpointChatStream is POST /api/chat/stream.
	EndpointChatStream Endpoint = "chat_stream"
)

// =============================================================================
// Helper Methods
// =============================================================================

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordRequest records a completed streaming request.
func (m *StreamingMetrics) RecordRequest(endpoint Endpoint, success bool) {
	m.RequestsTotal.WithLabelValues(string(endpoint), statusLabel(success)).Inc()
}

// RecordError records a streaming error.
func (m *StreamingMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// StreamStarted increments the active streams gauge.
func (m *StreamingMetrics) StreamStarted(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *StreamingMetrics) StreamEnded(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordTimeToFirstToken records the time to first token latency.
func (m *StreamingMetrics) RecordTimeToFirstToken(endpoint Endpoint, seconds float64) {
	m.TimeToFirstTokenSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordStreamDuration records the total stream duration.
func (m *StreamingMetrics) RecordStreamDuration(endpoint Endpoint, seconds float64, success bool) {
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), statusLabel(success)).Observe(seconds)
}

// RecordKeepAlive increments the keepalive counter.
func (m *StreamingMetrics) RecordKeepAlive(endpoint Endpoint) {
	m.KeepAlivesTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *StreamingMetrics) RecordClientDisconnect(endpoint Endpoint) {
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordTurn records the outcome of one conversation turn.
//
// # Inputs
//
//   - errorClass: "" for success, otherwise the model error class or
//     "persistence".
func (m *StreamingMetrics) RecordTurn(errorClass string) {
	if errorClass == "" {
		m.TurnsTotal.WithLabelValues("success", "none").Inc()
		return
	}
	m.TurnsTotal.WithLabelValues("error", errorClass).Inc()
}

// RecordContext records the size of a model invocation and whether the
// working context was summarized first.
func (m *StreamingMetrics) RecordContext(tokens int, summarized bool) {
	m.ContextTokens.Observe(float64(tokens))
	if summarized {
		m.SummarizationsTotal.Inc()
	}
}

// RecordCheckpointOp records one checkpoint store call.
func (m *StreamingMetrics) RecordCheckpointOp(backend, op string, failed bool, elapsed time.Duration) {
	m.CheckpointOpSeconds.WithLabelValues(backend, op, statusLabel(!failed)).Observe(elapsed.Seconds())
}
