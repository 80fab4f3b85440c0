package pipeline

import (
	"context"
	"fmt"

	"food-ai/internal/models"
	"food-ai/internal/sampling"
)

// Model invokes a generative model once and returns its text reply.
type Model interface {
	Complete(ctx context.Context, req sampling.Request) (string, error)
}

// Index finds the reference foods closest to a text query.
type Index interface {
	Query(ctx context.Context, text string, k int) ([]models.FoodMatch, error)
}

type Stage string

const (
	StageCaption  Stage = "caption"
	StageLookup   Stage = "lookup"
	StageEstimate Stage = "estimate"
	StageParse    Stage = "parse"
	StageSummary  Stage = "summary"
)

// StageError wraps a model or index failure with the stage it happened in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Config selects the model and reply budget for each stage.
type Config struct {
	CaptionModel      string
	EstimateModel     string
	ParseModel        string
	SummaryModel      string
	CaptionMaxTokens  int
	EstimateMaxTokens int
	ParseMaxTokens    int
	SummaryMaxTokens  int
	// LookupConcurrency bounds parallel index queries; 1 runs them in order.
	LookupConcurrency int
}

func DefaultConfig() Config {
	return Config{
		CaptionModel:      "gpt-4o-mini",
		EstimateModel:     "gpt-4o-mini",
		ParseModel:        "gpt-4o",
		SummaryModel:      "gpt-4o-mini",
		CaptionMaxTokens:  100,
		EstimateMaxTokens: 1000,
		ParseMaxTokens:    300,
		SummaryMaxTokens:  200,
		LookupConcurrency: 4,
	}
}

// Pipeline runs the analysis stages. It holds no per-analysis state; results
// are cached on the Session passed to Analyze and Finalize.
type Pipeline struct {
	model Model
	index Index
	cfg   Config
}

func New(model Model, index Index, cfg Config) *Pipeline {
	if cfg.LookupConcurrency <= 0 {
		cfg.LookupConcurrency = 1
	}
	return &Pipeline{model: model, index: index, cfg: cfg}
}

func (p *Pipeline) complete(ctx context.Context, stage Stage, req sampling.Request) (string, error) {
	out, err := p.model.Complete(ctx, req)
	if err != nil {
		return "", &StageError{Stage: stage, Err: err}
	}
	return out, nil
}
