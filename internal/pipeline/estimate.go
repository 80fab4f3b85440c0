package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"food-ai/internal/models"
	"food-ai/internal/sampling"
)

// EstimateNutrition produces the free-text report: weight estimates, per
// ingredient ranges and a summary table of dish totals. One call, no retry.
func (p *Pipeline) EstimateNutrition(ctx context.Context, image []byte, labels []string, lookup models.NutritionLookup) (string, error) {
	prompt, err := estimatePrompt(labels, lookup.Canonical)
	if err != nil {
		return "", err
	}

	return p.complete(ctx, StageEstimate, sampling.Request{
		Model:     p.cfg.EstimateModel,
		Prompt:    prompt,
		Image:     image,
		MaxTokens: p.cfg.EstimateMaxTokens,
		Format:    sampling.FormatText,
	})
}

func estimatePrompt(labels []string, canonical map[string]map[string]string) (string, error) {
	// Map keys marshal sorted, so the prompt is stable for the same inputs.
	facts, err := json.MarshalIndent(canonical, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode reference facts: %w", err)
	}
	return fmt.Sprintf(estimatePromptTemplate, strings.Join(labels, ", "), string(facts)), nil
}
