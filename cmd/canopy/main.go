// Canopy RAG gateway server: runs the query pipeline behind an HTTP API,
// with Postgres-backed traces, audit events, and vector retrieval.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/canopy-rag/canopy/pkg/api"
	"github.com/canopy-rag/canopy/pkg/audit"
	"github.com/canopy-rag/canopy/pkg/compression"
	"github.com/canopy-rag/canopy/pkg/config"
	"github.com/canopy-rag/canopy/pkg/embeddings"
	"github.com/canopy-rag/canopy/pkg/experiment"
	"github.com/canopy-rag/canopy/pkg/generation"
	"github.com/canopy-rag/canopy/pkg/grounding"
	"github.com/canopy-rag/canopy/pkg/metrics"
	"github.com/canopy-rag/canopy/pkg/models"
	"github.com/canopy-rag/canopy/pkg/pipeline"
	"github.com/canopy-rag/canopy/pkg/retrieval"
	"github.com/canopy-rag/canopy/pkg/routing"
	"github.com/canopy-rag/canopy/pkg/safety"
	"github.com/canopy-rag/canopy/pkg/schema"
	"github.com/canopy-rag/canopy/pkg/services"
	"github.com/canopy-rag/canopy/pkg/storage"
	"github.com/canopy-rag/canopy/pkg/trace"
	"github.com/canopy-rag/canopy/pkg/vectorstore"
	"github.com/canopy-rag/canopy/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	if v := os.Getenv("CANOPY_LOG_LEVEL"); v != "" {
		_ = level.UnmarshalText([]byte(v))
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env from the config directory before anything reads the
	// environment.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	logger := setupLogger()
	logger.Info("Starting Canopy",
		"version", version.Full(),
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		logger.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	if cfg.PipelineVersion == "dev" {
		cfg.PipelineVersion = version.Full()
	}

	// 2. Database (runs migrations on startup)
	db, err := storage.NewClient(ctx, storage.ConfigFromEnv(), logger)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	m := metrics.New()

	// 3. External model services
	embedder := embeddings.NewHTTPService(
		getEnv("CANOPY_EMBEDDINGS_BASE_URL", "http://localhost:8081"),
		getEnv("CANOPY_EMBEDDINGS_MODEL", "text-embedding-3-small"),
		os.Getenv("CANOPY_EMBEDDINGS_API_KEY"),
		10*time.Second)

	llm := generation.NewHTTPClient(
		getEnv("CANOPY_LLM_BASE_URL", "http://localhost:8082"),
		os.Getenv("CANOPY_LLM_API_KEY"),
		cfg.Generation.Timeout(),
		cfg.Generation.Prices,
		logger)

	// 4. Retrieval path
	drift := services.NewDriftMonitor(m)
	store := services.NewObservedStore(
		vectorstore.NewPgVectorStore(db.Pool(), logger), drift)

	router := routing.NewRouter(cfg.Routing, cfg.Routes, embedder, logger)
	if err := router.Initialize(ctx); err != nil {
		logger.Error("Failed to initialize router", "error", err)
		os.Exit(1)
	}

	var reranker retrieval.Reranker = retrieval.PassthroughReranker{}
	if base := os.Getenv("CANOPY_RERANK_BASE_URL"); base != "" {
		reranker = retrieval.NewHTTPReranker(base,
			os.Getenv("CANOPY_RERANK_API_KEY"),
			getEnv("CANOPY_RERANK_MODEL", "rerank-v3.5"),
			logger)
	}

	var guard *safety.MLGuard
	if endpoint := os.Getenv("CANOPY_GUARD_ENDPOINT"); endpoint != "" {
		guard = safety.NewMLGuard(endpoint,
			os.Getenv("CANOPY_GUARD_API_KEY"), 5*time.Second, logger)
	}

	// 5. Observability sinks: Postgres primary, local files as fallback
	dataDir := getEnv("CANOPY_DATA_DIR", "./data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		logger.Error("Failed to create data directory", "path", dataDir, "error", err)
		os.Exit(1)
	}
	traceSink := trace.NewFallbackSink(
		storage.NewTraceSink(db.Pool()),
		trace.NewFileSink(filepath.Join(dataDir, "traces")))
	auditor := audit.NewRecorder(
		storage.NewAuditSink(db.Pool()),
		audit.NewFileSink(filepath.Join(dataDir, "audit.log")),
		logger)

	// 6. Experimentation
	resolver := experiment.NewResolver(cfg.Flags, logger)
	variants := experiment.NewVariantRecorder(resolver, auditor, m)
	scorer := grounding.NewLexicalScorer(cfg.Grounding)
	shadow := experiment.NewShadowRunner(cfg.Shadow, llm, scorer, traceSink,
		m, cfg.PipelineVersion, cfg.Hash(), logger)

	validator, err := schema.NewValidator(logger)
	if err != nil {
		logger.Error("Failed to compile output schemas", "error", err)
		os.Exit(1)
	}

	// 7. Pipeline
	orchestrator := pipeline.New(cfg, pipeline.Deps{
		Injection:  safety.NewInjectionDetector(),
		PII:        safety.NewPIIDetector(),
		Guard:      guard,
		Router:     router,
		Expander:   retrieval.NewExpander(llm, cfg.Generation.Tiers[models.TierFast], logger),
		Retriever:  retrieval.NewRetriever(cfg.Retrieval, embedder, store, logger),
		Deduper:    retrieval.NewDeduper(cfg.Dedup.Threshold, logger),
		Reranker:   reranker,
		Compressor: compression.NewCompressor(cfg.Compression, compression.NewTiktokenCounter(logger), logger),
		LLM:        llm,
		Scorer:     scorer,
		Validator:  validator,
		Variants:   variants,
		Shadow:     shadow,
		Traces:     traceSink,
		Auditor:    auditor,
		Metrics:    m,
	}, logger)

	// 8. Application services and HTTP server
	feedback := services.NewFeedbackService(storage.NewFeedbackStore(db.Pool()), auditor, m, logger)
	deletion := services.NewDeletionService(store, auditor, logger)
	server := api.NewServer(orchestrator, feedback, deletion, db, m, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.Server.Port); err != nil {
			errCh <- err
		}
	}()

	logger.Info("Canopy started",
		"port", cfg.Server.Port,
		"config_hash", cfg.Hash(),
		"shadow_enabled", cfg.Shadow.Enabled)

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		logger.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: drain HTTP, then let shadow tasks finish so
	// their traces are not lost.
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	shadow.Wait()

	logger.Info("Shutdown complete")
}
