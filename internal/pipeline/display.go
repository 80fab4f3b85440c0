package pipeline

import (
	"food-ai/internal/models"
)

// SourceAttribution credits the reference data shown next to an analysis.
const SourceAttribution = "Reference nutrient values per 100 g from the USDA National Nutrient " +
	"Database for Standard Reference, Legacy Release (SR Legacy), matched to each ingredient by " +
	"nearest description."

// DisplayRow is one line of the per-ingredient table. Values are the leading
// number of the reference string, empty when unknown.
type DisplayRow struct {
	Ingredient   string `json:"ingredient"`
	Match        string `json:"match,omitempty"`
	Carbohydrate string `json:"carbohydrate_g"`
	Energy       string `json:"energy_kcal"`
	Protein      string `json:"protein_g"`
	Fat          string `json:"fat_g"`
}

// DisplayRows builds the per-ingredient table in label order. Unmatched
// ingredients keep a row with empty values.
func DisplayRows(lookup models.NutritionLookup) []DisplayRow {
	rows := make([]DisplayRow, 0, len(lookup.Matched))
	for _, m := range lookup.Matched {
		row := DisplayRow{Ingredient: m.Ingredient, Match: m.Description}
		for name, value := range lookup.Display[m.Ingredient] {
			kind, ok := nutrientKind(name)
			if !ok {
				continue
			}
			number := numberRe.FindString(value)
			switch kind {
			case models.NutrientCarbs:
				row.Carbohydrate = number
			case models.NutrientEnergy:
				row.Energy = number
			case models.NutrientProtein:
				row.Protein = number
			case models.NutrientFat:
				row.Fat = number
			}
		}
		rows = append(rows, row)
	}
	return rows
}
