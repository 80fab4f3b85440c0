package pipeline

import (
	"context"

	"food-ai/internal/sampling"
)

// Summarize condenses the report into a few plain sentences for history views.
func (p *Pipeline) Summarize(ctx context.Context, report string) (string, error) {
	return p.complete(ctx, StageSummary, sampling.Request{
		Model:     p.cfg.SummaryModel,
		Prompt:    summaryPrompt + "\n\nNutritional analysis to summarize:\n" + report,
		MaxTokens: p.cfg.SummaryMaxTokens,
		Format:    sampling.FormatText,
	})
}
