// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the chat server configuration.
//
// # Description
//
// Settings are resolved in layers, each overriding the previous one:
//
//  1. DefaultConfig
//  2. the YAML file (created with defaults on first run)
//  3. a .env file in the working directory, if present
//  4. process environment variables
//  5. command line flags, applied by the caller
//
// Validate runs last and reports every problem it finds.
package config

import (
	"time"

	"github.com/qingpingwang/Agent-Test/services/orchestrator/checkpoint"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/conversation"
)

// Model backends.
const (
	BackendOpenAI    = "openai"
	BackendAnthropic = "anthropic"
)

// Token counters.
const (
	CounterModel = "model"
	CounterChars = "chars"
)

// Config is the full chat server configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	LLM           LLMConfig           `yaml:"llm"`
	Conversation  ConversationConfig  `yaml:"conversation"`
	Checkpoint    checkpoint.Config   `yaml:"checkpoint"`
	Stream        StreamConfig        `yaml:"stream"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	GinMode         string        `yaml:"gin_mode"`
	StaticDir       string        `yaml:"static_dir"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LLMConfig selects and configures the model backend.
type LLMConfig struct {
	Backend     string  `yaml:"backend"`
	APIKey      string  `yaml:"api_key,omitempty"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
	TopP        float32 `yaml:"top_p"`

	// MaxTokens is the model's output limit. The summarization threshold is
	// derived from it.
	MaxTokens int `yaml:"max_tokens"`

	// RequestsPerSecond enables client-side rate limiting when positive.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`

	// TokenCounter is "chars" (default) or "model". The model counter loads
	// a tiktoken encoding once at startup and may fetch its BPE file.
	TokenCounter string `yaml:"token_counter"`
}

// ConversationConfig controls prompts and context management.
type ConversationConfig struct {
	SystemPrompt    string  `yaml:"system_prompt"`
	SummaryPrompt   string  `yaml:"summary_prompt"`
	WelcomeMessage  string  `yaml:"welcome_message"`
	SummaryFraction float64 `yaml:"summary_fraction"`
	MessagesToKeep  int     `yaml:"messages_to_keep"`

	// MaxToolIterations caps model calls per turn when tools are offered.
	MaxToolIterations int `yaml:"max_tool_iterations"`

	// SerializeTurns queues concurrent turns on the same thread id.
	// Nil means true.
	SerializeTurns *bool `yaml:"serialize_turns"`
}

// StreamConfig controls SSE output.
type StreamConfig struct {
	ToolResultFilter  string        `yaml:"tool_result_filter"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// ObservabilityConfig controls metrics and tracing.
type ObservabilityConfig struct {
	ServiceName string `yaml:"service_name"`

	// OTelEndpoint is the OTLP gRPC collector. Empty disables tracing.
	OTelEndpoint string `yaml:"otel_endpoint"`

	// EnableMetrics serves /metrics. Nil means true.
	EnableMetrics *bool `yaml:"enable_metrics"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Dir    string `yaml:"dir"`
}

// SerializeTurnsEnabled resolves the nil default.
func (c ConversationConfig) SerializeTurnsEnabled() bool {
	return c.SerializeTurns == nil || *c.SerializeTurns
}

// MetricsEnabled resolves the nil default.
func (c ObservabilityConfig) MetricsEnabled() bool {
	return c.EnableMetrics == nil || *c.EnableMetrics
}

// SummaryThreshold is the working context size that triggers summarization.
func (c Config) SummaryThreshold() int {
	return conversation.MaxTokensBeforeSummary(c.LLM.MaxTokens, c.Conversation.SummaryFraction)
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:            5000,
			GinMode:         "release",
			StaticDir:       "static",
			CORSOrigins:     []string{"*"},
			ShutdownTimeout: 10 * time.Second,
		},
		LLM: LLMConfig{
			Backend:      BackendOpenAI,
			Temperature:  0.7,
			MaxTokens:    conversation.DefaultModelMaxTokens,
			TokenCounter: CounterChars,
		},
		Conversation: ConversationConfig{
			SystemPrompt:      conversation.DefaultSystemPrompt,
			SummaryPrompt:     conversation.DefaultSummaryPrompt,
			WelcomeMessage:    conversation.DefaultWelcomeMessage,
			SummaryFraction:   conversation.DefaultSummaryFraction,
			MessagesToKeep:    conversation.DefaultMessagesToKeep,
			MaxToolIterations: conversation.DefaultMaxToolIterations,
		},
		Checkpoint: checkpoint.DefaultConfig(),
		Stream: StreamConfig{
			ToolResultFilter:  "skip_empty",
			HeartbeatInterval: 15 * time.Second,
		},
		Observability: ObservabilityConfig{
			ServiceName: "chatserver",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}
