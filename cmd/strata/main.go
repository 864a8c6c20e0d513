// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command strata starts the Strata analysis engine.
//
// The engine ingests pull-request webhooks, projects source files into a
// persistent dependency graph, and serves architectural analytics:
//   - Polyglot AST projection (Go, Python, TypeScript, JavaScript)
//   - Cycle, coupling, and layer-drift detection over the stored graph
//   - LLM-assisted code review with graph-derived context
//   - Security-audit compliance grading
//
// Usage:
//
//	go run ./cmd/strata
//	go run ./cmd/strata -port 9090
//	go run ./cmd/strata -debug
//
// Reviews call an LLM oracle when OPENAI_API_KEY is set; without it the
// pipeline still runs and records neutral reviews:
//
//	OPENAI_API_KEY=sk-... OPENAI_MODEL=gpt-4o-mini go run ./cmd/strata
//
// Or keep code off external providers with Ollama:
//
//	OLLAMA_BASE_URL=http://localhost:11434 OLLAMA_MODEL=llama3.1 go run ./cmd/strata
//
// Webhook delivery and commit-status reporting need a source-host token:
//
//	GITHOST_TOKEN=ghp_... WEBHOOK_SECRET=hunter2 go run ./cmd/strata
//
// Example requests:
//
//	# Health check
//	curl http://localhost:12310/health
//
//	# Register a project
//	curl -X POST http://localhost:12310/v1/projects \
//	  -H "Content-Type: application/json" \
//	  -d '{"name": "payments", "repo_full_name": "acme/payments"}'
//
//	# Analyze files inline
//	curl -X POST http://localhost:12310/v1/projects/1/analyze \
//	  -H "Content-Type: application/json" \
//	  -d '{"files": [{"filename": "svc.py", "content": "def handle(): pass"}]}'
//
//	# Inspect the dependency graph
//	curl http://localhost:12310/v1/projects/1/graph/cycles | jq
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/stratalab/strata/pkg/logging"
	"github.com/stratalab/strata/services/engine"
	"github.com/stratalab/strata/services/engine/ast"
	"github.com/stratalab/strata/services/engine/config"
	"github.com/stratalab/strata/services/engine/fabric"
	"github.com/stratalab/strata/services/engine/graph"
	"github.com/stratalab/strata/services/engine/host"
	"github.com/stratalab/strata/services/engine/llm"
	"github.com/stratalab/strata/services/engine/review"
	"github.com/stratalab/strata/services/engine/store"
	"github.com/stratalab/strata/services/engine/telemetry"
)

const shutdownGrace = 15 * time.Second

func main() {
	port := flag.Int("port", 0, "HTTP listen port (overrides PORT)")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "strata: invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Port = *port
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{
		Level:   logLevel(cfg.LogLevel),
		LogDir:  cfg.LogDir,
		Service: "strata-engine",
		JSON:    !*debug,
	})
	defer logger.Close()
	slogger := logger.Slog()
	slog.SetDefault(slogger)

	if *debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry is best effort: a missing OTLP endpoint must not keep
	// the engine from serving.
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.DefaultConfig())
	if err != nil {
		logger.Warn("Telemetry disabled", "error", err.Error())
		shutdownTelemetry = func(context.Context) error { return nil }
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("Telemetry shutdown failed", "error", err.Error())
		}
	}()

	st, err := store.Open(cfg.DatabasePath, slogger)
	if err != nil {
		logger.Error("Failed to open relational store", "path", cfg.DatabasePath, "error", err.Error())
		os.Exit(1)
	}
	defer st.Close()

	g, err := graph.Open(graph.Config{Path: cfg.GraphPath, SyncWrites: true}, slogger)
	if err != nil {
		logger.Error("Failed to open graph store", "path", cfg.GraphPath, "error", err.Error())
		os.Exit(1)
	}
	defer g.Close()

	fc, err := fabric.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, slogger)
	if err != nil {
		logger.Error("Failed to reach task fabric", "addr", cfg.RedisAddr, "error", err.Error())
		os.Exit(1)
	}
	defer fc.Close()

	source, err := host.NewClient(cfg.GitHostBaseURL, cfg.GitHostToken, slogger)
	if err != nil {
		logger.Error("Failed to build source-host client", "base_url", cfg.GitHostBaseURL, "error", err.Error())
		os.Exit(1)
	}
	if cfg.GitHostToken == nil {
		logger.Warn("GITHOST_TOKEN not set; source-host calls are unauthenticated")
	}

	oracle, err := buildOracle(cfg, logger, slogger)
	if err != nil {
		logger.Error("Failed to build LLM oracle", "error", err.Error())
		os.Exit(1)
	}

	bundles := review.NewContextBuilder(g, fabric.NewMemoizer(fc, cfg.ContextMemoTTL), slogger)

	orch, err := review.NewOrchestrator(review.OrchestratorConfig{
		Store:        st,
		Graph:        g,
		Projectors:   ast.DefaultRegistry(),
		Bundles:      bundles,
		Oracle:       oracle,
		Host:         source,
		LLMTimeout:   cfg.LLMTimeout,
		MaxDiffLines: cfg.DiffMaxLines,
		Logger:       slogger,
	})
	if err != nil {
		logger.Error("Failed to build review orchestrator", "error", err.Error())
		os.Exit(1)
	}

	backoff := fabric.DefaultBackoff()
	backoff.MaxRetries = cfg.MaxRetries

	pool, err := fabric.NewPool(fabric.PoolConfig{
		Queue:        fabric.NewQueue(fc),
		Locks:        fabric.NewLockManager(fc, cfg.LockTTL),
		Tracker:      fabric.NewTracker(fc),
		Backoff:      backoff,
		Handler:      orch.Handle,
		Workers:      cfg.WorkerCount,
		TaskDeadline: cfg.TaskDeadline,
		Logger:       slogger,
	})
	if err != nil {
		logger.Error("Failed to build worker pool", "error", err.Error())
		os.Exit(1)
	}

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		if err := pool.Run(ctx); err != nil {
			logger.Error("Worker pool stopped", "error", err.Error())
		}
	}()

	handlers, err := engine.NewHandlers(engine.HandlersConfig{
		Store:      st,
		Graph:      g,
		Fabric:     fc,
		Bundles:    bundles,
		Source:     source,
		WebhookKey: cfg.WebhookSecret,
		Logger:     slogger,
	})
	if err != nil {
		logger.Error("Failed to build HTTP handlers", "error", err.Error())
		os.Exit(1)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if *debug {
		router.Use(gin.Logger())
	}
	router.Use(otelgin.Middleware("strata-engine"))

	router.GET("/health", handlers.HandleHealth)
	router.GET("/ready", handlers.HandleReady)
	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	limiter := fabric.NewRateLimiter(fc, cfg.RateLimitRequests, cfg.RateLimitWindow)
	v1 := router.Group("/v1")
	engine.RegisterRoutes(v1, handlers, engine.RateLimit(limiter, slogger))

	printBanner(cfg.Port, oracle != nil)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Starting Strata engine",
			"address", srv.Addr,
			"workers", cfg.WorkerCount,
			"version", engine.ServiceVersion)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err.Error())
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down Strata engine")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err.Error())
	}

	// Workers finish or re-enqueue their in-flight task before exiting.
	select {
	case <-poolDone:
	case <-shutdownCtx.Done():
		logger.Warn("Worker pool did not drain before deadline")
	}
}

// buildOracle picks the review oracle: OpenAI when OPENAI_API_KEY is
// set, Ollama when OLLAMA_BASE_URL is set, otherwise nil and reviews
// record the neutral verdict.
func buildOracle(cfg *config.Config, logger *logging.Logger, slogger *slog.Logger) (llm.Oracle, error) {
	if cfg.OpenAIKey != nil {
		oracle, err := llm.NewOpenAI(llm.OpenAIConfig{
			APIKey:  cfg.OpenAIKey,
			Model:   cfg.OpenAIModel,
			Timeout: cfg.LLMTimeout,
			Logger:  slogger,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("LLM oracle enabled", "provider", "openai", "model", cfg.OpenAIModel)
		return oracle, nil
	}
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		oracle, err := llm.NewOllama(llm.OllamaConfig{
			BaseURL: baseURL,
			Model:   os.Getenv("OLLAMA_MODEL"),
			Logger:  slogger,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("LLM oracle enabled", "provider", "ollama", "model", oracle.Model())
		return oracle, nil
	}
	logger.Warn("No LLM provider configured; reviews record the neutral verdict")
	return nil, nil
}

// logLevel maps the validated config string to a logging level.
func logLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

func printBanner(port int, oracleEnabled bool) {
	oracleStatus := "DISABLED (set OPENAI_API_KEY or OLLAMA_BASE_URL)"
	if oracleEnabled {
		oracleStatus = "ENABLED"
	}

	banner := `
╔═══════════════════════════════════════════════════════════════════╗
║                       STRATA ANALYSIS ENGINE                      ║
╠═══════════════════════════════════════════════════════════════════╣
║                                                                   ║
║  Dependency-graph code analytics with LLM-assisted review.        ║
║  LLM Oracle: %-52s ║
║                                                                   ║
║  Quick Start:                                                     ║
║  ┌─────────────────────────────────────────────────────────────┐  ║
║  │ # Health check                                              │  ║
║  │ curl http://localhost:%d/health                          │  ║
║  │                                                             │  ║
║  │ # Register a project                                        │  ║
║  │ curl -X POST http://localhost:%d/v1/projects \           │  ║
║  │   -H "Content-Type: application/json" \                     │  ║
║  │   -d '{"name": "app", "repo_full_name": "acme/app"}'        │  ║
║  │                                                             │  ║
║  │ # Analyze files inline                                      │  ║
║  │ curl -X POST http://localhost:%d/v1/projects/1/analyze \ │  ║
║  │   -H "Content-Type: application/json" \                     │  ║
║  │   -d '{"files": [{"filename": "a.py", "content": "..."}]}'  │  ║
║  └─────────────────────────────────────────────────────────────┘  ║
║                                                                   ║
║  Endpoints:                                                       ║
║  ├── Intake: /v1/webhooks/:provider                               ║
║  ├── Projects: /v1/projects, /:id/schema, /:id/analyze, /:id/pulls║
║  ├── Graph: /:id/graph, /metrics, /cycles, /coupling, /drift      ║
║  ├── Review: /v1/pr/:pr_id/review, /reanalyze                     ║
║  └── Compliance: /v1/security-compliance, /v1/security-audit      ║
║                                                                   ║
║  Press Ctrl+C to stop                                             ║
╚═══════════════════════════════════════════════════════════════════╝
`
	fmt.Printf(banner, oracleStatus, port, port, port)
}
