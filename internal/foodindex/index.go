package foodindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"food-ai/internal/metrics"
	"food-ai/internal/models"
)

const buildBatchSize = 100

// Embedder generates vector embeddings for text.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// BuildOptions configures corpus ingestion.
type BuildOptions struct {
	// Model is recorded in the index metadata.
	Model string
}

// BuildSummary describes the result of an index build.
type BuildSummary struct {
	Skipped             bool `json:"skipped"`
	FoodsIndexed        int  `json:"foods_indexed"`
	FoodsSkipped        int  `json:"foods_skipped"`
	EmbeddingsGenerated int  `json:"embeddings_generated"`
	Dimensions          int  `json:"dimensions"`
}

// Index is a nearest-neighbor store over the reference corpus. It is written
// once by Build and read by any number of concurrent Query calls. A build made
// through another Index or process on the same database is picked up by the
// next Query.
type Index struct {
	db       *DB
	embedder Embedder

	mu       sync.RWMutex
	loaded   bool
	meta     *IndexMeta
	snapshot []embeddedFood
}

// New creates an index backed by db. The embedder is used for both ingestion
// and query text and must be the same model the corpus was built with.
func New(db *DB, embedder Embedder) *Index {
	return &Index{db: db, embedder: embedder}
}

// Build embeds and stores the corpus. It is a no-op when a completed build
// already exists; a build interrupted part way is discarded and redone.
func (idx *Index) Build(ctx context.Context, corpus []models.ReferenceFood, opts BuildOptions) (BuildSummary, error) {
	var summary BuildSummary

	if idx == nil || idx.db == nil {
		return summary, errors.New("storage database is required")
	}
	if idx.embedder == nil {
		return summary, errors.New("embedder is required")
	}

	meta, err := idx.db.GetMeta()
	if err != nil {
		return summary, err
	}
	if meta != nil {
		slog.Info("Food index already built, skipping",
			"model", meta.Model,
			"food_count", meta.FoodCount,
		)
		summary.Skipped = true
		summary.FoodsIndexed = meta.FoodCount
		summary.Dimensions = meta.Dimensions
		return summary, nil
	}

	if err := idx.db.clearFoods(); err != nil {
		return summary, err
	}

	batch := make([]embeddedFood, 0, buildBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := idx.db.insertFoods(batch); err != nil {
			return err
		}
		summary.FoodsIndexed += len(batch)
		slog.Info("Indexed food batch", "batch_size", len(batch), "foods_indexed", summary.FoodsIndexed)
		batch = batch[:0]
		return nil
	}

	for _, food := range corpus {
		select {
		case <-ctx.Done():
			return summary, ctx.Err()
		default:
		}

		description := strings.TrimSpace(food.Description)
		if description == "" {
			summary.FoodsSkipped++
			continue
		}

		vector, err := idx.embedder.GenerateEmbedding(ctx, description)
		if err != nil {
			return summary, fmt.Errorf("generate embedding for %q: %w", description, err)
		}
		summary.EmbeddingsGenerated++

		if summary.Dimensions == 0 {
			summary.Dimensions = len(vector)
		} else if len(vector) != summary.Dimensions {
			return summary, fmt.Errorf("embedding for %q has %d dimensions, expected %d",
				description, len(vector), summary.Dimensions)
		}

		batch = append(batch, embeddedFood{
			food:   models.ReferenceFood{Description: description, Nutrients: food.Nutrients},
			vector: vector,
		})
		if len(batch) == buildBatchSize {
			if err := flush(); err != nil {
				return summary, err
			}
		}
	}
	if err := flush(); err != nil {
		return summary, err
	}

	if err := idx.db.writeMeta(IndexMeta{
		Model:      opts.Model,
		Dimensions: summary.Dimensions,
		FoodCount:  summary.FoodsIndexed,
	}); err != nil {
		return summary, err
	}

	idx.mu.Lock()
	idx.loaded = false
	idx.meta = nil
	idx.snapshot = nil
	idx.mu.Unlock()

	return summary, nil
}

// Query returns up to k reference foods ordered by decreasing similarity to
// text. A nil, unbuilt or empty index yields an empty result, not an error.
func (idx *Index) Query(ctx context.Context, text string, k int) ([]models.FoodMatch, error) {
	if idx == nil || idx.db == nil || k <= 0 {
		return nil, nil
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	foods, err := idx.foods()
	if err != nil {
		slog.Error("Food index unavailable", "error", err)
		return nil, nil
	}
	if len(foods) == 0 {
		return nil, nil
	}
	if idx.embedder == nil {
		return nil, errors.New("embedder is required")
	}

	metrics.IndexQueriesTotal.Add(1)

	queryVector, err := idx.embedder.GenerateEmbedding(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query %q: %w", text, err)
	}

	type scored struct {
		pos   int
		score float64
	}
	scores := make([]scored, len(foods))
	for i, item := range foods {
		scores[i] = scored{pos: i, score: cosineSimilarity(queryVector, item.vector)}
	}
	// Stable so equal scores keep corpus order and repeated queries agree.
	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].score > scores[j].score
	})

	if k < len(scores) {
		scores = scores[:k]
	}

	matches := make([]models.FoodMatch, 0, len(scores))
	for rank, s := range scores {
		matches = append(matches, models.FoodMatch{
			Food:       cloneFood(foods[s.pos].food),
			Similarity: s.score,
			Rank:       rank + 1,
		})
	}
	return matches, nil
}

// foods returns the in-memory snapshot. It is reloaded whenever index_meta
// no longer matches the build it was read from.
func (idx *Index) foods() ([]embeddedFood, error) {
	meta, err := idx.db.GetMeta()
	if err != nil {
		return nil, err
	}

	idx.mu.RLock()
	if idx.loaded && sameMeta(idx.meta, meta) {
		foods := idx.snapshot
		idx.mu.RUnlock()
		return foods, nil
	}
	idx.mu.RUnlock()

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.loaded && sameMeta(idx.meta, meta) {
		return idx.snapshot, nil
	}

	foods, err := idx.db.loadFoods()
	if err != nil {
		return nil, err
	}
	idx.snapshot = foods
	idx.meta = meta
	idx.loaded = true
	slog.Info("Loaded food index", "food_count", len(foods))
	return foods, nil
}

func sameMeta(a, b *IndexMeta) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func cloneFood(food models.ReferenceFood) models.ReferenceFood {
	nutrients := make(map[string]string, len(food.Nutrients))
	for name, value := range food.Nutrients {
		nutrients[name] = value
	}
	return models.ReferenceFood{Description: food.Description, Nutrients: nutrients}
}
