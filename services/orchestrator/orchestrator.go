// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator assembles the chat server.
//
// It builds every component from a config.Config: the model backend, the
// context manager and conversation engine, the checkpoint store, metrics,
// tracing and the HTTP router. Run serves until its context is cancelled
// and then shuts the server down gracefully.
//
// # Usage
//
//	cfg, err := config.Load("chatserver.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := orchestrator.New(ctx, cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = svc.Run(ctx)
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/qingpingwang/Agent-Test/services/llm"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/checkpoint"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/config"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/conversation"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/datatypes"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/handlers"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/observability"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/routes"
	"github.com/qingpingwang/Agent-Test/services/orchestrator/stream"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the assembled chat server.
//
// # Thread Safety
//
// Run is called at most once. Router may be used concurrently.
type Service interface {
	// Run serves HTTP until ctx is cancelled or the listener fails.
	//
	// # Description
	//
	// On cancellation the server stops accepting connections and waits up
	// to server.shutdown_timeout for open streams to finish. The checkpoint
	// store and tracer are released before Run returns, whatever the
	// outcome.
	//
	// # Outputs
	//
	//   - error: nil after a clean shutdown, otherwise the listener or
	//     shutdown error.
	Run(ctx context.Context) error

	// Router returns the configured gin engine. Tests drive it with
	// httptest without opening a socket.
	Router() *gin.Engine

	// Close releases the store and tracer. Run calls it itself; Close is
	// for callers that never Run.
	Close() error
}

// Dependencies replaces components New would otherwise build from config.
// Every field is optional.
type Dependencies struct {
	// Model replaces the configured backend.
	Model llm.ChatModel

	// Store replaces the configured checkpoint store. New takes ownership
	// and closes it.
	Store checkpoint.Store

	// Toolbox offers tools to the model. Nil means no tools.
	Toolbox conversation.Toolbox
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	config        config.Config
	logger        *slog.Logger
	router        *gin.Engine
	store         checkpoint.Store
	tracerCleanup func(context.Context)
}

// =============================================================================
// Constructor
// =============================================================================

// New builds a ready-to-run Service.
//
// # Description
//
//  1. Initializes tracing when an OTLP endpoint is configured
//  2. Registers Prometheus metrics when enabled
//  3. Builds the model backend, wrapped by a rate limiter when configured
//  4. Opens the checkpoint store
//  5. Wires context manager, engine, conversation service and handlers
//  6. Sets up the router
//
// # Inputs
//
//   - ctx: Bounds store opening (sqlite migrations).
//   - cfg: Validated configuration.
//   - deps: Optional overrides. May be nil.
//
// # Outputs
//
//   - Service: Ready service.
//   - error: Any component failed to initialize. Anything opened so far is
//     released.
func New(ctx context.Context, cfg config.Config, deps *Dependencies) (Service, error) {
	if deps == nil {
		deps = &Dependencies{}
	}
	s := &service{
		config: cfg,
		logger: slog.Default().With("component", "orchestrator"),
	}

	if cfg.Observability.OTelEndpoint != "" {
		cleanup, err := s.initTracer(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	} else {
		s.logger.Info("OTLP endpoint not configured, tracing disabled")
	}

	if cfg.Observability.MetricsEnabled() {
		observability.InitMetrics()
		s.logger.Info("Initialized Prometheus metrics")
	}

	model := deps.Model
	if model == nil {
		var err error
		if model, err = newChatModel(cfg.LLM); err != nil {
			s.cleanup()
			return nil, fmt.Errorf("failed to initialize chat model: %w", err)
		}
	}
	if cfg.LLM.RequestsPerSecond > 0 {
		model = llm.NewRateLimitedModel(model, cfg.LLM.RequestsPerSecond, cfg.LLM.Burst)
	}

	s.store = deps.Store
	if s.store == nil {
		var err error
		if s.store, err = checkpoint.Open(ctx, cfg.Checkpoint, s.logger); err != nil {
			s.cleanup()
			return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
		}
	}

	chat, err := s.initChatHandler(ctx, model, deps.Toolbox)
	if err != nil {
		s.cleanup()
		return nil, err
	}
	if err := s.initRouter(chat); err != nil {
		s.cleanup()
		return nil, err
	}
	return s, nil
}

// newChatModel builds the configured backend.
func newChatModel(cfg config.LLMConfig) (llm.ChatModel, error) {
	switch cfg.Backend {
	case config.BackendAnthropic:
		slog.Info("Using Anthropic LLM backend")
		return llm.NewAnthropicModel(llm.AnthropicConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		})
	case config.BackendOpenAI, "":
		slog.Info("Using OpenAI-compatible LLM backend")
		return llm.NewOpenAIModel(llm.OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		})
	default:
		return nil, fmt.Errorf("unknown llm backend %q", cfg.Backend)
	}
}

// tokenizerWait bounds how long startup waits for the model tokenizer.
const tokenizerWait = 5 * time.Second

// newTokenCounter builds the configured estimator. The model counter falls
// back to character estimates until its tokenizer is loaded.
func newTokenCounter(ctx context.Context, cfg config.LLMConfig, model llm.ChatModel, logger *slog.Logger) llm.TokenCounter {
	if cfg.TokenCounter != config.CounterModel {
		return llm.CharCounter{}
	}
	ctx, cancel := context.WithTimeout(ctx, tokenizerWait)
	defer cancel()
	return llm.NewModelCounter(ctx, model.ModelName(), logger)
}

// initChatHandler wires the conversation stack behind the HTTP handlers.
func (s *service) initChatHandler(ctx context.Context, model llm.ChatModel, toolbox conversation.Toolbox) (*handlers.ChatHandler, error) {
	cfg := s.config

	cm, err := conversation.NewContextManager(model, newTokenCounter(ctx, cfg.LLM, model, s.logger), conversation.ContextConfig{
		MaxTokensBeforeSummary: cfg.SummaryThreshold(),
		MessagesToKeep:         cfg.Conversation.MessagesToKeep,
		SummaryPrompt:          cfg.Conversation.SummaryPrompt,
		SystemPrompt:           cfg.Conversation.SystemPrompt,
		MaxToolIterations:      cfg.Conversation.MaxToolIterations,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create context manager: %w", err)
	}
	if toolbox != nil {
		cm = cm.WithToolbox(toolbox)
	}

	svc := conversation.NewService(conversation.NewEngine(cm), s.store, conversation.ServiceConfig{
		Params: datatypes.GenerationParams{
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
			TopP:        cfg.LLM.TopP,
		},
		SerializeTurns: cfg.Conversation.SerializeTurnsEnabled(),
	}, s.logger)

	filter, err := stream.ParseToolResultFilter(cfg.Stream.ToolResultFilter)
	if err != nil {
		return nil, err
	}
	return handlers.NewChatHandler(svc, handlers.ChatHandlerConfig{
		WelcomeMessage:    cfg.Conversation.WelcomeMessage,
		ToolResultFilter:  filter,
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
	}), nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run implements Service.
func (s *service) Run(ctx context.Context) error {
	defer s.cleanup()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("Starting chat server", "port", s.config.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutting down chat server", "timeout", s.config.Server.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Router implements Service.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Close implements Service.
func (s *service) Close() error {
	return s.cleanup()
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initTracer initializes OpenTelemetry tracing over OTLP gRPC.
//
// # Limitations
//
//   - Uses an insecure gRPC connection, which suits a collector on the
//     same host or private network.
func (s *service) initTracer(ctx context.Context) (func(context.Context), error) {
	conn, err := grpc.NewClient(s.config.Observability.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(s.config.Observability.ServiceName)))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(traceExporter)))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))
	s.logger.Info("Tracing enabled", "endpoint", s.config.Observability.OTelEndpoint)

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", "error", err)
		}
		_ = conn.Close()
	}, nil
}

// initRouter builds the gin engine and registers all routes.
func (s *service) initRouter(chat *handlers.ChatHandler) error {
	if mode := s.config.Server.GinMode; mode != "" {
		gin.SetMode(mode)
	}
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware(s.config.Observability.ServiceName))

	if err := routes.SetupRoutes(s.router, chat, routes.Options{
		StaticDir:   s.config.Server.StaticDir,
		CORSOrigins: s.config.Server.CORSOrigins,
		Metrics:     s.config.Observability.MetricsEnabled(),
	}); err != nil {
		return fmt.Errorf("failed to set up routes: %w", err)
	}
	return nil
}

// cleanup releases the store and tracer. Safe to call more than once.
func (s *service) cleanup() error {
	var err error
	if s.store != nil {
		if cerr := s.store.Close(); cerr != nil {
			s.logger.Warn("Checkpoint store close error", "error", cerr)
			err = cerr
		}
		s.store = nil
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
		s.tracerCleanup = nil
	}
	return err
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
