package pipeline

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"food-ai/internal/models"
)

// LookupNutrition finds the nearest reference food for each label.
//
// Queries may run in parallel; results are folded in label order, so when two
// labels match the same reference description the later label's entry wins in
// the canonical map. A label with no match is kept in the display map with nil
// nutrients and left out of the canonical map.
func (p *Pipeline) LookupNutrition(ctx context.Context, labels []string) (models.NutritionLookup, error) {
	matches := make([]*models.FoodMatch, len(labels))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.LookupConcurrency)
	for i, label := range labels {
		g.Go(func() error {
			found, err := p.index.Query(gctx, label, 1)
			if err != nil {
				return &StageError{Stage: StageLookup, Err: err}
			}
			if len(found) > 0 {
				matches[i] = &found[0]
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return models.NutritionLookup{}, err
	}

	lookup := models.NutritionLookup{
		Canonical: make(map[string]map[string]string),
		Display:   make(map[string]map[string]string),
		Matched:   make([]models.IngredientMatch, 0, len(labels)),
	}
	for i, label := range labels {
		m := matches[i]
		if m == nil {
			slog.Info("No reference food for ingredient", "ingredient", label)
			lookup.Display[label] = nil
			lookup.Matched = append(lookup.Matched, models.IngredientMatch{Ingredient: label})
			continue
		}
		lookup.Display[label] = m.Food.Nutrients
		lookup.Canonical[m.Food.Description] = m.Food.Nutrients
		lookup.Matched = append(lookup.Matched, models.IngredientMatch{
			Ingredient:  label,
			Description: m.Food.Description,
		})
	}
	return lookup, nil
}
