package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	cadence "github.com/maelin/cadence"
	"github.com/maelin/cadence/internal/config"
	"github.com/maelin/cadence/observer"
	"github.com/maelin/cadence/provider/gemini"
	"github.com/maelin/cadence/provider/openaicompat"
	"github.com/maelin/cadence/store/postgres"
	"github.com/maelin/cadence/store/sqlite"
)

// llmBackend is what a provider package must offer: every model concern the
// pipeline consumes.
type llmBackend interface {
	cadence.ChatStreamer
	cadence.Decider
	cadence.Summarizer
	cadence.ImageDescriber
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// 1. Load config
	cfg := config.Load(os.Getenv("CADENCE_CONFIG"))

	// 2. Observability
	var tracer cadence.Tracer
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		instruments, shutdown, err := observer.Init(ctx)
		if err != nil {
			logger.Error("observer init failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
		inst = instruments
		tracer = observer.NewTracer()
	}

	// 3. Providers, one instance per concern so model sizes differ
	backend := func(model string) llmBackend {
		if cfg.LLM.Provider == "openai" {
			return openaicompat.New(cfg.LLM.APIKey, model, cfg.LLM.BaseURL)
		}
		return gemini.New(cfg.LLM.APIKey, model)
	}
	var (
		model      cadence.ChatStreamer   = cadence.WithRetry(backend(cfg.LLM.Model), cadence.RetryLogger(logger))
		decider    cadence.Decider        = cadence.WithDecideRetry(backend(cfg.LLM.DecisionModel), cadence.RetryLogger(logger))
		summarizer cadence.Summarizer     = cadence.WithSummarizeRetry(backend(cfg.Summarize.Model), cadence.RetryLogger(logger))
		describer  cadence.ImageDescriber = cadence.WithDescribeRetry(backend(cfg.Vision.Model), cadence.RetryLogger(logger))
	)
	if cfg.LLM.RPM > 0 {
		limiter := cadence.NewRateLimiter(cfg.LLM.RPM)
		model = cadence.WithRateLimit(model, limiter)
		decider = cadence.WithDecideRateLimit(decider, limiter)
		summarizer = cadence.WithSummarizeRateLimit(summarizer, limiter)
		describer = cadence.WithDescribeRateLimit(describer, limiter)
	}
	if inst != nil {
		model = observer.NewObservedStreamer(model, inst)
		decider = observer.NewObservedDecider(decider, inst)
		summarizer = observer.NewObservedSummarizer(summarizer, inst)
	}

	// 4. Stores
	var checkpointer cadence.Checkpointer
	var urlCache cadence.URLCache
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			logger.Error("postgres pool failed", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		store := postgres.New(pool)
		if err := store.Init(ctx); err != nil {
			logger.Error("postgres init failed", "error", err)
			os.Exit(1)
		}
		checkpointer, urlCache = store, store
	case "file":
		fc, err := cadence.NewFileCheckpointer(cfg.Database.Path)
		if err != nil {
			logger.Error("file store failed", "error", err)
			os.Exit(1)
		}
		cache, err := cadence.NewFileURLCache(cfg.Vision.CachePath)
		if err != nil {
			logger.Error("url cache failed", "error", err)
			os.Exit(1)
		}
		checkpointer, urlCache = fc, cache
	default:
		store := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
		defer store.Close()
		if err := store.Init(ctx); err != nil {
			logger.Error("sqlite init failed", "error", err)
			os.Exit(1)
		}
		checkpointer, urlCache = store, store
	}

	// 5. Agents and tools
	registry := cadence.NewAgentRegistry(cfg.Agent.DefaultActivity)
	registry.Register(cfg.Agent.DefaultActivity, cadence.AgentSpec{
		MemoryDescription: "general conversation",
		Prompt:            "Answer naturally and keep the tone of the ongoing conversation.",
	})

	toolkit := cadence.NewToolKit(cadence.WithToolKitLogger(logger))

	// 6. Pipeline and runner
	server := &server{logger: logger}

	mcp := cadence.NewClient(toolkit,
		cadence.WithClientLogger(logger),
		cadence.WithWakeFunc(server.wake))

	settings := cadence.NewPipelineSettings()
	settings.AgentName = cfg.Agent.Name
	settings.DefaultActivity = cfg.Agent.DefaultActivity
	settings.QuickResponseWindow = cfg.Tools.QuickResponseWindow()
	settings.Summarize.SizeThreshold = cfg.Summarize.SizeThreshold
	settings.Summarize.ChannelSizeThreshold = cfg.Summarize.ChannelSizeThreshold
	settings.Summarize.MinRegionContent = cfg.Summarize.MinContentSize
	settings.Summarize.Retention = cfg.Summarize.Retention()

	pipeline, err := cadence.NewPipeline(settings, cadence.PipelineDeps{
		Model:      model,
		Decider:    decider,
		Summarizer: summarizer,
		Describer:  describer,
		Registry:   registry,
		MCP:        mcp,
		URLCache:   urlCache,
		Logger:     logger,
		Tracer:     tracer,
	})
	if err != nil {
		logger.Error("pipeline build failed", "error", err)
		os.Exit(1)
	}

	server.runner = cadence.NewRunner(pipeline, checkpointer, logger)
	server.waits = cadence.NewWaitTable(server.wake, cadence.WithWaitTableLogger(logger))

	// 7. Serve
	httpServer := &http.Server{Addr: cfg.Server.Addr, Handler: server.routes()}
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info("shut down")
}
