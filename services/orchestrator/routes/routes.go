// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes wires the chat server's HTTP surface onto a gin engine.
package routes

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/handlers"
)

// Options controls the ambient routes around the chat API.
type Options struct {
	// StaticDir holds the web UI. index.html is served at / and at
	// /chat/:thread_id, other files at their own path. Empty disables the UI.
	StaticDir string

	// CORSOrigins lists allowed origins as http(s) URLs. "*" allows any.
	// Empty disables CORS handling.
	CORSOrigins []string

	// Metrics serves the default Prometheus registry at /metrics.
	Metrics bool
}

// SetupRoutes registers every route on router.
//
// # Routes
//
//	GET  /health
//	GET  /metrics                      (when opts.Metrics)
//	GET  /api/welcome
//	POST /api/chat/stream              SSE
//	POST /api/thread/:id/init
//	GET  /api/thread/:id/messages
//	GET  /  and  /chat/:thread_id      web UI
//
// Returns an error only when opts.CORSOrigins holds an unusable origin.
func SetupRoutes(router *gin.Engine, chat *handlers.ChatHandler, opts Options) error {
	if len(opts.CORSOrigins) > 0 {
		mw, err := CORS(opts.CORSOrigins)
		if err != nil {
			return fmt.Errorf("cors: %w", err)
		}
		router.Use(mw)
	}

	router.GET("/health", handlers.HealthCheck)
	if opts.Metrics {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	api := router.Group("/api")
	{
		api.GET("/welcome", chat.HandleWelcome)
		api.POST("/chat/stream", chat.HandleChatStream)

		thread := api.Group("/thread/:id")
		{
			thread.POST("/init", chat.HandleInitThread)
			thread.GET("/messages", chat.HandleThreadMessages)
		}
	}

	if opts.StaticDir != "" {
		setupUI(router, opts.StaticDir)
	}
	return nil
}

// setupUI serves the single page UI. Unknown paths outside /api fall back
// to files under dir.
func setupUI(router *gin.Engine, dir string) {
	index := filepath.Join(dir, "index.html")
	serveIndex := func(c *gin.Context) {
		c.File(index)
	}
	router.GET("/", serveIndex)
	router.GET("/chat/:thread_id", serveIndex)

	files := http.FileServer(http.Dir(dir))
	router.NoRoute(func(c *gin.Context) {
		p := c.Request.URL.Path
		if c.Request.Method != http.MethodGet || strings.HasPrefix(p, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		if info, err := os.Stat(filepath.Join(dir, filepath.FromSlash(path.Clean(p)))); err != nil || info.IsDir() {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		files.ServeHTTP(c.Writer, c.Request)
	})
}
