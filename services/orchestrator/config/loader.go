// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/qingpingwang/Agent-Test/pkg/logging"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/checkpoint"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/stream"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when no config file is given.
const DefaultPath = "chatserver.yaml"

// LookupFunc reads one environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// Load resolves the configuration from path, .env and the environment.
//
// # Description
//
// A missing file is created with DefaultConfig first. Keys absent from the
// file keep their defaults. A .env file in the working directory is loaded
// into the process environment without overriding variables that are
// already set.
//
// # Outputs
//
//   - Config: Resolved but not yet validated. Flags may still change it, so
//     callers run Validate after applying them.
//   - error: Unreadable or malformed file, or an unparseable env value.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultPath
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := WriteDefault(path); err != nil {
			return Config{}, err
		}
	}

	cfg, err := ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	if err := LoadDotEnv(".env"); err != nil {
		return Config{}, err
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	applyConfigDefaults(&cfg)
	return cfg, nil
}

// ReadFile parses path on top of DefaultConfig.
func ReadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read the config file %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse the config file %s: %w", path, err)
	}
	return cfg, nil
}

// WriteDefault writes DefaultConfig to path, creating parent directories.
func WriteDefault(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create the config directory %s: %w", dir, err)
		}
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to encode the default config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// LoadDotEnv loads path into the environment when it exists.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides cfg with environment variables.
//
// # Description
//
// The OpenAI-style names configure the model regardless of backend, except
// the API key, which is read from OPENAI_API_KEY or ANTHROPIC_API_KEY to
// match the selected backend.
//
//	CHAT_MODEL_BACKEND            llm.backend
//	OPENAI_BASE_URL               llm.base_url
//	OPENAI_MODEL_NAME             llm.model
//	OPENAI_API_KEY                llm.api_key (openai)
//	ANTHROPIC_API_KEY             llm.api_key (anthropic)
//	TEMPERATURE                   llm.temperature
//	MAX_TOKENS                    llm.max_tokens
//	CHAT_PORT                     server.port
//	CHAT_STATIC_DIR               server.static_dir
//	GIN_MODE                      server.gin_mode
//	CHAT_CHECKPOINT_DRIVER        checkpoint.driver
//	CHAT_CHECKPOINT_PATH          checkpoint.path
//	CHAT_LOG_LEVEL                logging.level
//	CHAT_LOG_FORMAT               logging.format
//	OTEL_EXPORTER_OTLP_ENDPOINT   observability.otel_endpoint
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	str("CHAT_MODEL_BACKEND", &cfg.LLM.Backend)
	str("OPENAI_BASE_URL", &cfg.LLM.BaseURL)
	str("OPENAI_MODEL_NAME", &cfg.LLM.Model)
	switch cfg.LLM.Backend {
	case BackendAnthropic:
		str("ANTHROPIC_API_KEY", &cfg.LLM.APIKey)
	default:
		str("OPENAI_API_KEY", &cfg.LLM.APIKey)
	}
	str("CHAT_STATIC_DIR", &cfg.Server.StaticDir)
	str("GIN_MODE", &cfg.Server.GinMode)
	str("CHAT_LOG_LEVEL", &cfg.Logging.Level)
	str("CHAT_LOG_FORMAT", &cfg.Logging.Format)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Observability.OTelEndpoint)
	str("CHAT_CHECKPOINT_PATH", &cfg.Checkpoint.Path)
	if v, ok := lookup("CHAT_CHECKPOINT_DRIVER"); ok && v != "" {
		cfg.Checkpoint.Driver = checkpoint.Driver(strings.ToLower(strings.TrimSpace(v)))
	}

	if v, ok := lookup("TEMPERATURE"); ok && v != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 32)
		if err != nil {
			return fmt.Errorf("invalid TEMPERATURE %q: %w", v, err)
		}
		cfg.LLM.Temperature = float32(f)
	}
	if err := envInt(lookup, "MAX_TOKENS", &cfg.LLM.MaxTokens); err != nil {
		return err
	}
	return envInt(lookup, "CHAT_PORT", &cfg.Server.Port)
}

func envInt(lookup LookupFunc, key string, dst *int) error {
	v, ok := lookup(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = n
	return nil
}

// applyConfigDefaults fills zero values a file may have cleared.
func applyConfigDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if cfg.LLM.Backend == "" {
		cfg.LLM.Backend = def.LLM.Backend
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = def.LLM.MaxTokens
	}
	if cfg.LLM.TokenCounter == "" {
		cfg.LLM.TokenCounter = def.LLM.TokenCounter
	}
	if cfg.Conversation.SystemPrompt == "" {
		cfg.Conversation.SystemPrompt = def.Conversation.SystemPrompt
	}
	if cfg.Conversation.SummaryPrompt == "" {
		cfg.Conversation.SummaryPrompt = def.Conversation.SummaryPrompt
	}
	if cfg.Conversation.WelcomeMessage == "" {
		cfg.Conversation.WelcomeMessage = def.Conversation.WelcomeMessage
	}
	if cfg.Conversation.SummaryFraction == 0 {
		cfg.Conversation.SummaryFraction = def.Conversation.SummaryFraction
	}
	if cfg.Conversation.MessagesToKeep == 0 {
		cfg.Conversation.MessagesToKeep = def.Conversation.MessagesToKeep
	}
	if cfg.Conversation.MaxToolIterations == 0 {
		cfg.Conversation.MaxToolIterations = def.Conversation.MaxToolIterations
	}
	if cfg.Checkpoint.Driver == "" {
		cfg.Checkpoint.Driver = def.Checkpoint.Driver
	}
	if cfg.Stream.HeartbeatInterval <= 0 {
		cfg.Stream.HeartbeatInterval = def.Stream.HeartbeatInterval
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = def.Observability.ServiceName
	}
}

// Validate reports every invalid setting, joined into one error.
func (c Config) Validate() error {
	var errs []error
	addf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		addf("server.port %d out of range", c.Server.Port)
	}
	switch c.Server.GinMode {
	case "", "debug", "release", "test":
	default:
		addf("server.gin_mode %q must be debug, release or test", c.Server.GinMode)
	}
	if c.Server.ShutdownTimeout < 0 {
		addf("server.shutdown_timeout must not be negative")
	}
	for _, o := range c.Server.CORSOrigins {
		o = strings.TrimSpace(o)
		if o != "*" && !strings.HasPrefix(o, "http://") && !strings.HasPrefix(o, "https://") {
			addf("server.cors_origins entry %q must be * or an http(s) origin", o)
		}
	}
	switch c.LLM.Backend {
	case BackendOpenAI, BackendAnthropic:
	default:
		addf("llm.backend %q must be %s or %s", c.LLM.Backend, BackendOpenAI, BackendAnthropic)
	}
	if c.LLM.Backend == BackendAnthropic && c.LLM.APIKey == "" {
		addf("llm.api_key is required for the anthropic backend (set ANTHROPIC_API_KEY)")
	}
	if c.LLM.MaxTokens <= 0 {
		addf("llm.max_tokens must be positive, got %d", c.LLM.MaxTokens)
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		addf("llm.temperature %.2f out of range [0, 2]", c.LLM.Temperature)
	}
	if c.LLM.RequestsPerSecond < 0 {
		addf("llm.requests_per_second must not be negative")
	}
	switch c.LLM.TokenCounter {
	case CounterModel, CounterChars:
	default:
		addf("llm.token_counter %q must be %s or %s", c.LLM.TokenCounter, CounterModel, CounterChars)
	}
	if f := c.Conversation.SummaryFraction; f <= 0 || f > 1 {
		addf("conversation.summary_fraction %.2f out of range (0, 1]", f)
	}
	if c.Conversation.MessagesToKeep < 1 {
		addf("conversation.messages_to_keep must be at least 1")
	}
	if c.Conversation.MaxToolIterations < 1 {
		addf("conversation.max_tool_iterations must be at least 1")
	}
	if !strings.Contains(c.Conversation.SummaryPrompt, "{messages}") {
		addf("conversation.summary_prompt must contain the {messages} placeholder")
	}
	switch c.Checkpoint.Driver {
	case checkpoint.DriverBadger, checkpoint.DriverSQLite:
		if c.Checkpoint.Path == "" {
			addf("checkpoint.path is required for the %s driver", c.Checkpoint.Driver)
		}
	case checkpoint.DriverMemory:
	default:
		addf("checkpoint.driver %q is not supported", c.Checkpoint.Driver)
	}
	if _, err := stream.ParseToolResultFilter(c.Stream.ToolResultFilter); err != nil {
		addf("stream.tool_result_filter: %w", err)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		addf("logging.level: %w", err)
	}
	if _, err := logging.ParseFormat(c.Logging.Format); err != nil {
		addf("logging.format: %w", err)
	}
	return errors.Join(errs...)
}
