// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/qingpingwang/Agent-Test/services/llm"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/conversation"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/datatypes"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/handlers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Setup
// ============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

// stubService satisfies handlers.ConversationService without a model.
type stubService struct{}

func (stubService) RunTurn(context.Context, string, string, llm.StreamCallback) (conversation.TurnResult, error) {
	return conversation.TurnResult{}, nil
}

func (stubService) InitThread(context.Context, string) (bool, error) { return false, nil }

func (stubService) History(context.Context, string) ([]datatypes.Message, error) { return nil, nil }

func newTestRouter(t *testing.T, opts Options) *gin.Engine {
	t.Helper()
	router := gin.New()
	require.NoError(t, SetupRoutes(router, handlers.NewChatHandler(stubService{}, handlers.ChatHandlerConfig{}), opts))
	return router
}

func serve(router *gin.Engine, method, path string, header map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	router.ServeHTTP(w, req)
	return w
}

// ============================================================================
// SetupRoutes Tests
// ============================================================================

func TestSetupRoutes_RegistersAPI(t *testing.T) {
	router := newTestRouter(t, Options{Metrics: true})

	expected := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"GET", "/api/welcome"},
		{"POST", "/api/chat/stream"},
		{"POST", "/api/thread/:id/init"},
		{"GET", "/api/thread/:id/messages"},
	}

	registered := map[string]bool{}
	for _, r := range router.Routes() {
		registered[r.Method+" "+r.Path] = true
	}
	for _, e := range expected {
		assert.True(t, registered[e.method+" "+e.path], "route %s %s not registered", e.method, e.path)
	}
}

func TestSetupRoutes_MetricsOptional(t *testing.T) {
	router := newTestRouter(t, Options{})
	for _, r := range router.Routes() {
		assert.NotEqual(t, "/metrics", r.Path)
	}
}

func TestSetupRoutes_MetricsServesPrometheus(t *testing.T) {
	router := newTestRouter(t, Options{Metrics: true})
	w := serve(router, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestSetupRoutes_Welcome(t *testing.T) {
	router := newTestRouter(t, Options{})
	w := serve(router, "GET", "/api/welcome", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"success":true`)
}

// ============================================================================
// UI Tests
// ============================================================================

func writeUI(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>chat</html>"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(1)"), 0644))
	return dir
}

func TestSetupRoutes_ServesIndex(t *testing.T) {
	router := newTestRouter(t, Options{StaticDir: writeUI(t)})

	for _, p := range []string{"/", "/chat/abc-123"} {
		w := serve(router, "GET", p, nil)
		assert.Equal(t, http.StatusOK, w.Code, p)
		assert.Contains(t, w.Body.String(), "<html>chat</html>", p)
	}
}

func TestSetupRoutes_ServesAssets(t *testing.T) {
	router := newTestRouter(t, Options{StaticDir: writeUI(t)})

	w := serve(router, "GET", "/app.js", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "console.log(1)", w.Body.String())

	w = serve(router, "GET", "/missing.css", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(router, "GET", "/api/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ============================================================================
// CORS Tests
// ============================================================================

func TestCORS_Preflight(t *testing.T) {
	router := newTestRouter(t, Options{CORSOrigins: []string{"*"}})

	w := serve(router, "OPTIONS", "/api/chat/stream", map[string]string{
		"Origin":                        "http://localhost:3000",
		"Access-Control-Request-Method": "POST",
	})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
	assert.Equal(t, "600", w.Header().Get("Access-Control-Max-Age"))
}

func TestCORS_AllowList(t *testing.T) {
	router := newTestRouter(t, Options{CORSOrigins: []string{"https://chat.example.com/"}})

	w := serve(router, "GET", "/health", map[string]string{"Origin": "https://chat.example.com"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://chat.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", w.Header().Get("Vary"))

	w = serve(router, "GET", "/health", map[string]string{"Origin": "https://evil.example.com"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSConfig(t *testing.T) {
	cfg := CORSConfig([]string{"https://a.example.com", "*"})
	assert.True(t, cfg.AllowAllOrigins)
	assert.Empty(t, cfg.AllowOrigins)
	require.NoError(t, cfg.Validate())

	cfg = CORSConfig([]string{" https://a.example.com/ ", ""})
	assert.False(t, cfg.AllowAllOrigins)
	assert.Equal(t, []string{"https://a.example.com"}, cfg.AllowOrigins)
	require.NoError(t, cfg.Validate())
}

func TestSetupRoutes_RejectsBadOrigin(t *testing.T) {
	router := gin.New()
	err := SetupRoutes(router, handlers.NewChatHandler(stubService{}, handlers.ChatHandlerConfig{}),
		Options{CORSOrigins: []string{"chat.example.com"}})
	assert.Error(t, err)
}

func TestCORS_NoOriginHeader(t *testing.T) {
	router := newTestRouter(t, Options{CORSOrigins: []string{"*"}})
	w := serve(router, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
