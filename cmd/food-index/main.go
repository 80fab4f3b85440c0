package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"food-ai/internal/embedding"
	"food-ai/internal/foodindex"
)

const usage = `food-index: reference food corpus and embedding index tooling

Usage:
  food-index filter -in <sr-legacy.json> -out <corpus.json>
  food-index build  -db <path> -corpus <corpus.json>
  food-index search -db <path> -query <text> [-k 5]

Embedding flags (build, search):
  -embeddings-url    Embeddings API base URL (or FOOD_AI_EMBEDDINGS_URL)
  -embeddings-key    Embeddings API key (or FOOD_AI_EMBEDDINGS_KEY / OPENAI_API_KEY)
  -embeddings-model  Embeddings model name (or FOOD_AI_EMBEDDINGS_MODEL)
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "failed to load .env:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "filter":
		err = runFilter(args)
	case "build":
		err = runBuild(ctx, args)
	case "search":
		err = runSearch(ctx, args)
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s error: %v\n", cmd, err)
		os.Exit(1)
	}
}

func runFilter(args []string) error {
	flags := flag.NewFlagSet("filter", flag.ContinueOnError)
	flags.SetOutput(os.Stderr)

	in := flags.String("in", "", "USDA FoodData Central SR Legacy JSON dump")
	out := flags.String("out", "", "Filtered corpus output path")

	if err := flags.Parse(args); err != nil {
		return err
	}
	if *in == "" {
		return fmt.Errorf("-in is required")
	}
	if *out == "" {
		return fmt.Errorf("-out is required")
	}

	src, err := os.Open(*in)
	if err != nil {
		return fmt.Errorf("failed to open dump: %w", err)
	}
	defer src.Close()

	foods, err := foodindex.FilterSRLegacy(src)
	if err != nil {
		return err
	}

	dst, err := os.Create(*out)
	if err != nil {
		return fmt.Errorf("failed to create corpus: %w", err)
	}
	if err := foodindex.WriteCorpus(dst, foods); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("failed to write corpus: %w", err)
	}

	return writeJSON(map[string]interface{}{"foods": len(foods), "out": *out})
}

type embeddingFlags struct {
	url, key, model *string
}

func addEmbeddingFlags(flags *flag.FlagSet) embeddingFlags {
	key := os.Getenv("FOOD_AI_EMBEDDINGS_KEY")
	if key == "" {
		key = os.Getenv("OPENAI_API_KEY")
	}
	return embeddingFlags{
		url:   flags.String("embeddings-url", getenv("FOOD_AI_EMBEDDINGS_URL", "https://api.openai.com/v1"), "Embeddings API base URL"),
		key:   flags.String("embeddings-key", key, "Embeddings API key"),
		model: flags.String("embeddings-model", getenv("FOOD_AI_EMBEDDINGS_MODEL", "text-embedding-3-small"), "Embeddings model"),
	}
}

func (f embeddingFlags) client() (*embedding.Client, error) {
	if *f.key == "" {
		return nil, fmt.Errorf("-embeddings-key is required")
	}
	return embedding.NewClient(*f.url, *f.key, *f.model), nil
}

func runBuild(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("build", flag.ContinueOnError)
	flags.SetOutput(os.Stderr)

	dbPath := flags.String("db", getenv("FOOD_AI_INDEX_PATH", ""), "Index database path")
	corpusPath := flags.String("corpus", os.Getenv("FOOD_AI_CORPUS"), "Filtered corpus JSON")
	emb := addEmbeddingFlags(flags)

	if err := flags.Parse(args); err != nil {
		return err
	}
	if *dbPath == "" {
		return fmt.Errorf("-db is required")
	}
	if *corpusPath == "" {
		return fmt.Errorf("-corpus is required")
	}
	embedder, err := emb.client()
	if err != nil {
		return err
	}

	f, err := os.Open(*corpusPath)
	if err != nil {
		return fmt.Errorf("failed to open corpus: %w", err)
	}
	defer f.Close()

	corpus, err := foodindex.LoadCorpus(f)
	if err != nil {
		return err
	}

	db, err := foodindex.NewDB(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	start := time.Now()
	summary, err := foodindex.New(db, embedder).Build(ctx, corpus, foodindex.BuildOptions{Model: *emb.model})
	if err != nil {
		return err
	}

	resp := struct {
		foodindex.BuildSummary
		DurationMs int64 `json:"duration_ms"`
	}{
		BuildSummary: summary,
		DurationMs:   time.Since(start).Milliseconds(),
	}

	return writeJSON(resp)
}

func runSearch(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("search", flag.ContinueOnError)
	flags.SetOutput(os.Stderr)

	dbPath := flags.String("db", getenv("FOOD_AI_INDEX_PATH", ""), "Index database path")
	query := flags.String("query", "", "Food description to look up")
	k := flags.Int("k", 5, "Number of matches")
	emb := addEmbeddingFlags(flags)

	if err := flags.Parse(args); err != nil {
		return err
	}
	if *dbPath == "" {
		return fmt.Errorf("-db is required")
	}
	if *query == "" {
		return fmt.Errorf("-query is required")
	}
	if *k <= 0 {
		return fmt.Errorf("-k must be > 0")
	}
	embedder, err := emb.client()
	if err != nil {
		return err
	}

	db, err := foodindex.NewDB(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	matches, err := foodindex.New(db, embedder).Query(ctx, *query, *k)
	if err != nil {
		return err
	}

	return writeJSON(map[string]interface{}{"query": *query, "matches": matches})
}

func writeJSON(value interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func getenv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
