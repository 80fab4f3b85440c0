// cmd/food-ai/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"food-ai/internal/embedding"
	"food-ai/internal/foodindex"
	"food-ai/internal/pipeline"
	"food-ai/internal/sampling"
	"food-ai/internal/server"
	"food-ai/internal/storage"
)

func main() {
	// .env is optional; real environment variables take precedence.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "failed to load .env:", err)
	}

	defaults := pipeline.DefaultConfig()

	var (
		port       = flag.Int("port", getenvInt("FOOD_AI_PORT", 8011), "Port for HTTP transport")
		host       = flag.String("host", getenv("FOOD_AI_HOST", "0.0.0.0"), "Host address")
		dbPath     = flag.String("db-path", getenv("FOOD_AI_DB_PATH", "/data/food-ai.db"), "User history database path")
		indexPath  = flag.String("index-path", getenv("FOOD_AI_INDEX_PATH", "/data/food-index.db"), "Reference food index database path")
		corpusPath = flag.String("corpus", os.Getenv("FOOD_AI_CORPUS"), "Filtered corpus JSON to index on startup when the index is empty; a later food-index build on the same file is picked up without a restart")
		logLevel   = flag.String("log-level", getenv("FOOD_AI_LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
		version    = flag.Bool("version", false, "Show version")

		apiKey       = flag.String("api-key", os.Getenv("OPENAI_API_KEY"), "API key for model and embedding calls")
		modelURL     = flag.String("model-url", getenv("FOOD_AI_MODEL_URL", "https://api.openai.com/v1"), "Chat completions API base URL")
		modelTimeout = flag.Duration("model-timeout", getenvDuration("FOOD_AI_MODEL_TIMEOUT", 60*time.Second), "Timeout for a single model call")

		embeddingsURL   = flag.String("embeddings-url", getenv("FOOD_AI_EMBEDDINGS_URL", "https://api.openai.com/v1"), "Embeddings API base URL")
		embeddingsKey   = flag.String("embeddings-key", os.Getenv("FOOD_AI_EMBEDDINGS_KEY"), "Embeddings API key (defaults to -api-key)")
		embeddingsModel = flag.String("embeddings-model", getenv("FOOD_AI_EMBEDDINGS_MODEL", "text-embedding-3-small"), "Embeddings model")

		captionModel  = flag.String("caption-model", getenv("FOOD_AI_CAPTION_MODEL", defaults.CaptionModel), "Model that lists ingredients in the photo")
		estimateModel = flag.String("estimate-model", getenv("FOOD_AI_ESTIMATE_MODEL", defaults.EstimateModel), "Model that writes the nutrition report")
		parseModel    = flag.String("parse-model", getenv("FOOD_AI_PARSE_MODEL", defaults.ParseModel), "Model that extracts nutrient ranges")
		summaryModel  = flag.String("summary-model", getenv("FOOD_AI_SUMMARY_MODEL", defaults.SummaryModel), "Model that writes the short summary")
		lookupWorkers = flag.Int("lookup-workers", getenvInt("FOOD_AI_LOOKUP_WORKERS", defaults.LookupConcurrency), "Parallel reference lookups per analysis")

		sessionCache = flag.Int("session-cache", getenvInt("FOOD_AI_SESSION_CACHE", 256), "Number of analysis sessions kept in memory")
	)
	flag.Parse()

	if *version {
		fmt.Println("food-ai version 1.0.0")
		os.Exit(0)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)})))

	if *apiKey == "" {
		slog.Error("An API key is required (-api-key or OPENAI_API_KEY)")
		os.Exit(1)
	}
	if *embeddingsKey == "" {
		*embeddingsKey = *apiKey
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	indexDB, err := foodindex.NewDB(*indexPath)
	if err != nil {
		slog.Error("Failed to open food index", "path", *indexPath, "error", err)
		os.Exit(1)
	}
	defer indexDB.Close()

	embedder := embedding.NewClient(*embeddingsURL, *embeddingsKey, *embeddingsModel)
	index := foodindex.New(indexDB, embedder)

	if err := ensureIndex(ctx, indexDB, index, *corpusPath, *embeddingsModel); err != nil {
		slog.Error("Failed to build food index", "error", err)
		os.Exit(1)
	}

	store, err := storage.NewSQLiteStorage(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize storage", "path", *dbPath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	model := sampling.NewSamplingClient(sampling.Config{
		BaseURL: *modelURL,
		APIKey:  *apiKey,
		Timeout: *modelTimeout,
	})

	cfg := defaults
	cfg.CaptionModel = *captionModel
	cfg.EstimateModel = *estimateModel
	cfg.ParseModel = *parseModel
	cfg.SummaryModel = *summaryModel
	cfg.LookupConcurrency = *lookupWorkers

	srv, err := server.NewFoodAIServer(&server.Config{
		Host:             *host,
		Port:             *port,
		SessionCacheSize: *sessionCache,
	}, pipeline.New(model, index, cfg), store, index)
	if err != nil {
		slog.Error("Failed to create server", "error", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(ctx); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("Received shutdown signal")
	case err := <-errCh:
		slog.Error("Server error", "error", err)
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}
}

// ensureIndex builds the reference index from corpusPath when it has not been
// built yet. Without a corpus an empty index is served and lookups find nothing.
func ensureIndex(ctx context.Context, db *foodindex.DB, index *foodindex.Index, corpusPath, model string) error {
	meta, err := db.GetMeta()
	if err != nil {
		return err
	}
	if meta != nil {
		slog.Info("Food index ready", "foods", meta.FoodCount, "model", meta.Model)
		return nil
	}
	if corpusPath == "" {
		slog.Warn("Food index is empty and no corpus was given; reference lookups will find nothing")
		return nil
	}

	f, err := os.Open(corpusPath)
	if err != nil {
		return fmt.Errorf("failed to open corpus: %w", err)
	}
	defer f.Close()

	corpus, err := foodindex.LoadCorpus(f)
	if err != nil {
		return err
	}

	summary, err := index.Build(ctx, corpus, foodindex.BuildOptions{Model: model})
	if err != nil {
		return err
	}
	slog.Info("Food index built", "foods", summary.FoodsIndexed, "skipped", summary.FoodsSkipped, "dimensions", summary.Dimensions)
	return nil
}

func getenv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return fallback
	}
	return n
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return fallback
	}
	return d
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
