// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/qingpingwang/Agent-Test/pkg/logging"
	"github.com/qingpingwang/Agent-Test/services/orchestrator"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/checkpoint"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// serveFlags holds flag values that override the loaded config.
type serveFlags struct {
	port             int
	backend          string
	model            string
	baseURL          string
	checkpointDriver string
	checkpointPath   string
	staticDir        string
	logLevel         string
	logFormat        string
}

var (
	configPath string
	flags      serveFlags

	rootCmd = &cobra.Command{
		Use:          "chatserver",
		Short:        "Streaming chat backend with persistent, summarizing conversations",
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE:  runServe,
	}

	initConfigCmd = &cobra.Command{
		Use:   "init-config",
		Short: "Write the default configuration file",
		RunE:  runInitConfig,
	}

	checkConfigCmd = &cobra.Command{
		Use:   "check-config",
		Short: "Print the resolved configuration and validate it",
		RunE:  runCheckConfig,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to the YAML config file")

	for _, cmd := range []*cobra.Command{serveCmd, checkConfigCmd} {
		f := cmd.Flags()
		f.IntVarP(&flags.port, "port", "p", 0, "HTTP port")
		f.StringVar(&flags.backend, "backend", "", "Model backend (openai, anthropic)")
		f.StringVar(&flags.model, "model", "", "Model name")
		f.StringVar(&flags.baseURL, "base-url", "", "OpenAI-compatible base URL")
		f.StringVar(&flags.checkpointDriver, "checkpoint-driver", "", "Checkpoint store (badger, sqlite, memory)")
		f.StringVar(&flags.checkpointPath, "checkpoint-path", "", "Checkpoint directory or sqlite file")
		f.StringVar(&flags.staticDir, "static-dir", "", "Web UI directory")
		f.StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
		f.StringVar(&flags.logFormat, "log-format", "", "Log format (auto, json, text)")
	}

	rootCmd.AddCommand(serveCmd, initConfigCmd, checkConfigCmd)
}

// applyFlags copies every flag the user set onto cfg.
func applyFlags(cmd *cobra.Command, fl serveFlags, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("port") {
		cfg.Server.Port = fl.port
	}
	if changed("backend") {
		cfg.LLM.Backend = fl.backend
	}
	if changed("model") {
		cfg.LLM.Model = fl.model
	}
	if changed("base-url") {
		cfg.LLM.BaseURL = fl.baseURL
	}
	if changed("checkpoint-driver") {
		cfg.Checkpoint.Driver = checkpoint.Driver(fl.checkpointDriver)
	}
	if changed("checkpoint-path") {
		cfg.Checkpoint.Path = fl.checkpointPath
	}
	if changed("static-dir") {
		cfg.Server.StaticDir = fl.staticDir
	}
	if changed("log-level") {
		cfg.Logging.Level = fl.logLevel
	}
	if changed("log-format") {
		cfg.Logging.Format = fl.logFormat
	}
}

// resolveConfig loads, overrides and validates the configuration.
func resolveConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	applyFlags(cmd, flags, &cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.Config) *logging.Logger {
	level, _ := logging.ParseLevel(cfg.Logging.Level)
	format, _ := logging.ParseFormat(cfg.Logging.Format)
	return logging.New(logging.Config{
		Level:   level,
		Format:  format,
		LogDir:  cfg.Logging.Dir,
		Service: cfg.Observability.ServiceName,
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	slog.Info("Starting chatserver",
		"port", cfg.Server.Port,
		"llm_backend", cfg.LLM.Backend,
		"model", cfg.LLM.Model,
		"api_key_present", cfg.LLM.APIKey != "",
		"checkpoint_driver", cfg.Checkpoint.Driver,
		"summary_threshold", cfg.SummaryThreshold(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := orchestrator.New(ctx, cfg, nil)
	if err != nil {
		return fmt.Errorf("failed to create chat server: %w", err)
	}
	if err := svc.Run(ctx); err != nil {
		return fmt.Errorf("chat server error: %w", err)
	}
	slog.Info("Chat server stopped")
	return nil
}

func runInitConfig(cmd *cobra.Command, _ []string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("%s already exists", configPath)
	}
	if err := config.WriteDefault(configPath); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", configPath)
	return nil
}

func runCheckConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyFlags(cmd, flags, &cfg)
	if err := printConfig(cmd.OutOrStdout(), cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid.")
	return nil
}

// printConfig writes cfg as YAML with the API key masked.
func printConfig(w io.Writer, cfg config.Config) error {
	if cfg.LLM.APIKey != "" {
		cfg.LLM.APIKey = "********"
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
