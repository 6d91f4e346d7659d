package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"UATChat/internal/config"
	"UATChat/internal/gateway"
	"UATChat/internal/prompt"
	"UATChat/internal/retrieval"
	"UATChat/internal/store"
	"UATChat/internal/telemetry"
	"UATChat/internal/uat"
	"UATChat/internal/web"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file (optional)")
	flag.Parse()

	logger, err := telemetry.InitLogger()
	if err != nil {
		slog.Error("failed to initialize logger", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	tracer, meter, cleanup, err := telemetry.InitTelemetry(ctx)
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		logger.Error("failed to open session store", "path", cfg.StorePath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if cfg.SessionMaxAgeDays > 0 {
		if err := st.PurgeOlderThan(cfg.SessionMaxAgeDays); err != nil {
			logger.Warn("session purge failed", "error", err)
		}
	}

	modelPath, err := gateway.FindModelFile(cfg.ModelPaths)
	if err != nil {
		// No model means the process has nothing to serve; refuse to start
		// rather than run a chat UI that can only error.
		logger.Error("no model file found", "error", err)
		os.Exit(1)
	}
	logger.Info("model file located", "path", modelPath)

	runner := gateway.NewRunner(gateway.RunnerConfig{
		ServerBin:   cfg.ServerBin,
		ModelPath:   modelPath,
		Port:        cfg.ServerPort,
		ContextSize: cfg.ContextSize,
		Threads:     cfg.Threads,
		ModelTypes:  cfg.ModelTypes,
	}, logger, tracer, meter)
	if err := runner.Start(ctx); err != nil {
		logger.Error("failed to load model", "error", err)
		os.Exit(1)
	}
	defer runner.Stop()

	var retriever uat.Retriever
	if cfg.Retrieval.Enabled {
		retriever = retrieval.NewClient(retrieval.Config{
			QdrantURL:      cfg.Retrieval.QdrantURL,
			Collection:     cfg.Retrieval.Collection,
			EmbeddingURL:   cfg.Retrieval.EmbeddingURL,
			EmbeddingModel: cfg.Retrieval.EmbeddingModel,
			TopK:           cfg.Retrieval.TopK,
		}, logger, tracer)
		logger.Info("retrieval enabled",
			"qdrant_url", cfg.Retrieval.QdrantURL,
			"collection", cfg.Retrieval.Collection,
			"required", cfg.Retrieval.Required)
	}

	generator := uat.NewGenerator(runner, retriever, cfg.Retrieval.Required, filepath.Base(modelPath), logger)

	settings := prompt.NewStore()
	server := web.NewServer(cfg, st, settings, runner, generator, logger, tracer, meter)

	httpServer := &http.Server{
		Addr:    cfg.Addr(),
		Handler: server.Routes(),
	}

	go func() {
		logger.Info("starting server", "addr", cfg.Addr())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}
