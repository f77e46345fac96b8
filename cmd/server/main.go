// server is the Komorebi core binary: capture API, background
// processing, recursive compaction and the MCP aggregation layer in a
// single process.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"komorebi/internal/api"
	"komorebi/internal/bulk"
	"komorebi/internal/capture"
	"komorebi/internal/compactor"
	"komorebi/internal/config"
	"komorebi/internal/events"
	"komorebi/internal/extractor"
	"komorebi/internal/llm"
	"komorebi/internal/logging"
	"komorebi/internal/mcp"
	"komorebi/internal/similarity"
	"komorebi/internal/storage"
	"komorebi/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "komorebi: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	logger.Info("starting komorebi core",
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"database", cfg.Storage.DatabaseURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DatabaseURL, cfg.Storage.MaxConnections, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	bus := events.NewBus(logger)
	defer bus.Close()

	llmClient := llm.NewHTTPClient(llm.Config{
		Host:           cfg.LLM.Host,
		Model:          cfg.LLM.Model,
		Timeout:        time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
		MaxConnections: cfg.LLM.MaxConnections,
	}, logger)

	extractorService := extractor.New(extractor.Config{
		MinConfidence:         cfg.Extraction.MinConfidence,
		FallbackMinConfidence: cfg.Extraction.FallbackMinConfidence,
		ContextWindowChars:    cfg.Extraction.ContextWindowChars,
	}, store, llmClient, bus, logger)

	compactorService := compactor.New(compactor.Config{
		ContextThresholdBytes: cfg.Compaction.ContextThresholdBytes,
		MaxDepth:              cfg.Compaction.MaxDepth,
		MinBatch:              cfg.Compaction.MinBatch,
		ReduceBatchSize:       cfg.Compaction.ReduceBatchSize,
		FallbackSummaryChars:  cfg.Compaction.FallbackSummaryChars,
		Cooldown:              time.Duration(cfg.Compaction.CooldownSeconds) * time.Second,
		TriggerChunkCount:     cfg.Compaction.TriggerChunkCount,
		ContextWindowTokens:   cfg.LLM.ContextWindowToken,
	}, store, llmClient, bus, extractorService.Extract, logger)

	pool := worker.NewPool(worker.Config{
		Workers:       cfg.Worker.Count,
		QueueCapacity: cfg.Worker.QueueCapacity,
		EnqueueWait:   time.Duration(cfg.Worker.EnqueueWaitMS) * time.Millisecond,
		ShutdownGrace: time.Duration(cfg.Worker.ShutdownGraceS) * time.Second,
	}, logger)
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	captureService := capture.NewService(capture.Config{
		MaxContentBytes: cfg.Capture.MaxContentBytes,
	}, store, bus, pool, compactorService, logger)

	// Chunks left at inbox by a previous run are picked up before the
	// API starts accepting new ones.
	if recovered, err := worker.ScanInbox(ctx, store, captureService.Requeue, logger); err != nil {
		logger.Warn("inbox scan incomplete", "recovered", recovered, "error", err.Error())
	} else if recovered > 0 {
		logger.Info("recovered inbox backlog", "chunks", recovered)
	}

	mcpService, registry := startMCP(ctx, cfg, bus, captureService, logger)
	if registry != nil {
		defer registry.Close()
	}

	finder := similarity.NewFinder(store)
	bulkManager := bulk.NewManager(store, bus, logger)

	apiServer := api.NewServer(api.Config{
		SubscriberBuffer: cfg.Events.SubscriberBuffer,
		KeepAlive:        time.Duration(cfg.Events.KeepAliveSeconds) * time.Second,
	}, store, captureService, compactorService, bulkManager, mcpService, finder, bus, logger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeout) * time.Second,
		// Write timeout stays off so SSE and websocket streams are not
		// severed mid-connection.
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	// Shut down front to back: stop accepting requests, drain the
	// worker queue, then release the long-lived resources via defers.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err.Error())
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Warn("worker pool drain incomplete", "error", err.Error())
	}

	logger.Info("komorebi core stopped")
	return nil
}

// startMCP brings up the MCP aggregation layer when a servers file is
// present. A missing file just means no external tools are configured.
func startMCP(ctx context.Context, cfg *config.Config, bus *events.Bus,
	captureService *capture.Service, logger logging.Logger) (*mcp.Service, *mcp.Registry) {
	if _, err := os.Stat(cfg.MCP.ConfigPath); os.IsNotExist(err) {
		logger.Info("no mcp servers file, aggregation disabled", "path", cfg.MCP.ConfigPath)
		return nil, nil
	}

	configs, err := mcp.LoadServersFile(cfg.MCP.ConfigPath)
	if err != nil {
		logger.Error("mcp servers file rejected", "path", cfg.MCP.ConfigPath, "error", err.Error())
		return nil, nil
	}
	if len(configs) == 0 {
		logger.Info("mcp servers file lists no enabled servers", "path", cfg.MCP.ConfigPath)
		return nil, nil
	}

	registry := mcp.NewRegistry(configs, time.Duration(cfg.MCP.CallTimeoutSeconds)*time.Second, bus, logger)
	registry.StartAll(ctx)
	return mcp.NewService(registry, captureService, logger), registry
}
