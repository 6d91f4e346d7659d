// Command uatindex builds the retrieval index: it reads the UAT source
// documents, chunks them, embeds each chunk, and upserts the vectors into
// the configured Qdrant collection. Run it before enabling grounded UAT
// generation in the chat server.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"UATChat/internal/config"
	"UATChat/internal/docproc"
	"UATChat/internal/retrieval"
	"UATChat/internal/telemetry"
)

const (
	chunkSize    = 1000
	chunkOverlap = 100
	batchSize    = 32
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file (optional)")
	docsDir := flag.String("docs", "", "documents directory (overrides config)")
	flag.Parse()

	logger, err := telemetry.InitLogger()
	if err != nil {
		slog.Error("failed to initialize logger", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	tracer, _, cleanup, err := telemetry.InitTelemetry(ctx)
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

	dir := cfg.DocsDir
	if *docsDir != "" {
		dir = *docsDir
	}

	processor := docproc.NewProcessor(logger)
	text, err := processor.ProcessDirectory(dir)
	if err != nil {
		logger.Error("failed to process documents", "dir", dir, "error", err)
		os.Exit(1)
	}

	chunks := docproc.Chunk(text, chunkSize, chunkOverlap)
	if len(chunks) == 0 {
		logger.Error("no indexable text found", "dir", dir)
		os.Exit(1)
	}
	logger.Info("documents chunked", "dir", dir, "chunks", len(chunks))

	client := retrieval.NewClient(retrieval.Config{
		QdrantURL:      cfg.Retrieval.QdrantURL,
		Collection:     cfg.Retrieval.Collection,
		EmbeddingURL:   cfg.Retrieval.EmbeddingURL,
		EmbeddingModel: cfg.Retrieval.EmbeddingModel,
		TopK:           cfg.Retrieval.TopK,
	}, logger, tracer)

	// The collection's vector size must match the embedding service, so the
	// first chunk is embedded before the collection is created.
	first, err := client.Embed(ctx, chunks[0])
	if err != nil {
		logger.Error("failed to embed first chunk", "error", err)
		os.Exit(1)
	}
	if err := client.EnsureCollection(ctx, len(first)); err != nil {
		logger.Error("failed to create collection", "error", err)
		os.Exit(1)
	}

	points := []retrieval.Point{{ID: 0, Vector: first, Content: chunks[0]}}
	for i, chunk := range chunks[1:] {
		vector, err := client.Embed(ctx, chunk)
		if err != nil {
			logger.Error("failed to embed chunk", "chunk", i+1, "error", err)
			os.Exit(1)
		}
		points = append(points, retrieval.Point{ID: i + 1, Vector: vector, Content: chunk})

		if len(points) >= batchSize {
			if err := client.Upsert(ctx, points); err != nil {
				logger.Error("failed to upsert batch", "error", err)
				os.Exit(1)
			}
			points = points[:0]
		}
	}
	if len(points) > 0 {
		if err := client.Upsert(ctx, points); err != nil {
			logger.Error("failed to upsert final batch", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("index built", "collection", cfg.Retrieval.Collection, "chunks", len(chunks))
}
