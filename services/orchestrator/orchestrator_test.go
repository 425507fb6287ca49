// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/qingpingwang/Agent-Test/services/llm"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/checkpoint"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/config"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

// cannedModel answers every call with the same text.
type cannedModel struct {
	calls atomic.Int32
}

func (m *cannedModel) ChatStream(_ context.Context, _ llm.ChatRequest, cb llm.StreamCallback) ([]datatypes.Message, error) {
	n := m.calls.Add(1)
	id := "run-" + string(rune('a'+n))
	cb(datatypes.StreamFragment{MessageID: id, Kind: datatypes.KindAI, Content: "hello"})
	cb(datatypes.StreamFragment{MessageID: id, Kind: datatypes.KindAI, Content: " there"})
	return []datatypes.Message{datatypes.NewAIMessage(id, "hello there")}, nil
}

func (m *cannedModel) Complete(context.Context, llm.ChatRequest) (string, error) {
	return "summary", nil
}

func (m *cannedModel) ModelName() string { return "canned" }

// closeCountingStore records Close calls.
type closeCountingStore struct {
	*checkpoint.MemoryStore
	closed atomic.Int32
}

func (s *closeCountingStore) Close() error {
	s.closed.Add(1)
	return nil
}

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.GinMode = gin.TestMode
	cfg.Server.StaticDir = ""
	cfg.Checkpoint = checkpoint.Config{Driver: checkpoint.DriverMemory}
	cfg.LLM.TokenCounter = config.CounterChars
	return cfg
}

func newTestService(t *testing.T, cfg config.Config) (Service, *closeCountingStore) {
	t.Helper()
	store := &closeCountingStore{MemoryStore: checkpoint.NewMemoryStore()}
	svc, err := New(context.Background(), cfg, &Dependencies{Model: &cannedModel{}, Store: store})
	require.NoError(t, err)
	return svc, store
}

// =============================================================================
// Constructor Tests
// =============================================================================

func TestServiceImplementsInterface(t *testing.T) {
	var _ Service = (*service)(nil)
}

// TestNew_ServesFullFlow drives init, one streamed turn and the history
// endpoint through the assembled router.
func TestNew_ServesFullFlow(t *testing.T) {
	svc, _ := newTestService(t, testConfig())
	defer svc.Close()
	router := svc.Router()

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/api/thread/abc/init", nil)
	router.ServeHTTP(w, req)
	assert.JSONEq(t, `{"success":true,"thread_id":"abc"}`, w.Body.String())

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("POST", "/api/chat/stream", strings.NewReader(`{"thread_id":"abc","message":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var types []datatypes.StreamEventType
	scanner := bufio.NewScanner(strings.NewReader(w.Body.String()))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev datatypes.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		types = append(types, ev.Type)
	}
	assert.Equal(t, []datatypes.StreamEventType{
		datatypes.EventThreadID, datatypes.EventMessageChange,
		datatypes.EventToken, datatypes.EventToken, datatypes.EventDone,
	}, types)

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/api/thread/abc/messages", nil)
	router.ServeHTTP(w, req)
	var history datatypes.HistoryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	assert.Equal(t, []datatypes.HistoryMessage{
		{Role: datatypes.RoleHuman, Content: "hi"},
		{Role: datatypes.RoleAI, Content: "hello there"},
	}, history.Messages)
}

func TestNew_WelcomeFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Conversation.WelcomeMessage = "Welcome aboard"
	svc, _ := newTestService(t, cfg)
	defer svc.Close()

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/welcome", nil)
	svc.Router().ServeHTTP(w, req)
	assert.JSONEq(t, `{"success":true,"message":"Welcome aboard"}`, w.Body.String())
}

func TestNew_RejectsBadFilter(t *testing.T) {
	cfg := testConfig()
	cfg.Stream.ToolResultFilter = "bogus"
	store := &closeCountingStore{MemoryStore: checkpoint.NewMemoryStore()}

	_, err := New(context.Background(), cfg, &Dependencies{Model: &cannedModel{}, Store: store})
	assert.Error(t, err)
	assert.Equal(t, int32(1), store.closed.Load(), "store must be released on failure")
}

func TestNew_OpensConfiguredStore(t *testing.T) {
	svc, err := New(context.Background(), testConfig(), &Dependencies{Model: &cannedModel{}})
	require.NoError(t, err)
	assert.NoError(t, svc.Close())
}

func TestClose_Idempotent(t *testing.T) {
	svc, store := newTestService(t, testConfig())
	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())
	assert.Equal(t, int32(1), store.closed.Load())
}

// =============================================================================
// Component Selection Tests
// =============================================================================

func TestNewChatModel(t *testing.T) {
	t.Run("openai with key", func(t *testing.T) {
		m, err := newChatModel(config.LLMConfig{Backend: config.BackendOpenAI, APIKey: "sk-test", Model: "gpt-4o-mini"})
		require.NoError(t, err)
		assert.Equal(t, "gpt-4o-mini", m.ModelName())
	})
	t.Run("anthropic without key", func(t *testing.T) {
		_, err := newChatModel(config.LLMConfig{Backend: config.BackendAnthropic})
		assert.Error(t, err)
	})
	t.Run("unknown backend", func(t *testing.T) {
		_, err := newChatModel(config.LLMConfig{Backend: "ollama"})
		assert.Error(t, err)
	})
}

func TestNewTokenCounter(t *testing.T) {
	model := &cannedModel{}

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, isChars := newTokenCounter(ctx, config.LLMConfig{TokenCounter: config.CounterChars}, model, logger).(llm.CharCounter)
	assert.True(t, isChars)

	_, isChars = newTokenCounter(ctx, config.DefaultConfig().LLM, model, logger).(llm.CharCounter)
	assert.True(t, isChars, "default counter must not need a tokenizer download")

	// An already-cancelled context returns at once, whatever the loader does.
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	counter, isModel := newTokenCounter(cancelled, config.LLMConfig{TokenCounter: config.CounterModel}, model, logger).(*llm.ModelCounter)
	require.True(t, isModel)
	assert.Equal(t, "canned", counter.Model())
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// TestRun_GracefulShutdown verifies Run serves until cancelled, returns nil
// and releases the store.
func TestRun_GracefulShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Port = freePort(t)
	cfg.Server.ShutdownTimeout = 2 * time.Second
	svc, store := newTestService(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(ctx) }()

	url := "http://127.0.0.1:" + strconv.Itoa(cfg.Server.Port) + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, int32(1), store.closed.Load())
}

func TestRun_PortInUse(t *testing.T) {
	l, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer l.Close()

	cfg := testConfig()
	cfg.Server.Port = l.Addr().(*net.TCPAddr).Port
	svc, _ := newTestService(t, cfg)

	err = svc.Run(context.Background())
	assert.Error(t, err)
}
