// internal/models/analysis.go
package models

import (
	"time"
)

// ReferenceFood is one record of the reference corpus. Nutrients maps a nutrient
// name to a formatted per-100g value, e.g. "Protein" -> "23.5 g".
type ReferenceFood struct {
	Description string            `json:"description"`
	Nutrients   map[string]string `json:"nutrients"`
}

// FoodMatch is a nearest-neighbor hit from the embedding index.
type FoodMatch struct {
	Food       ReferenceFood `json:"food"`
	Similarity float64       `json:"similarity"`
	Rank       int           `json:"rank"`
}

// NutritionLookup holds the reference nutrients found for one analysis.
//
// Canonical is keyed by the matched reference description; two ingredients that
// match the same record collapse into one entry, last write wins. Display is keyed
// by the original ingredient label and keeps a nil entry when nothing matched.
type NutritionLookup struct {
	Canonical map[string]map[string]string `json:"canonical"`
	Display   map[string]map[string]string `json:"display"`
	// Matched lists the reference description chosen for each ingredient, in
	// ingredient order. Empty when the ingredient had no match.
	Matched []IngredientMatch `json:"matched"`
}

type IngredientMatch struct {
	Ingredient  string `json:"ingredient"`
	Description string `json:"description,omitempty"`
}

type NutrientKind string

const (
	NutrientEnergy  NutrientKind = "energy"
	NutrientProtein NutrientKind = "protein"
	NutrientFat     NutrientKind = "fat"
	NutrientCarbs   NutrientKind = "carbs"
)

// NutrientKinds is the fixed order in which ranges are reported.
var NutrientKinds = []NutrientKind{NutrientEnergy, NutrientProtein, NutrientFat, NutrientCarbs}

type NutrientRange struct {
	Nutrient NutrientKind `json:"nutrient"`
	Min      float64      `json:"min"`
	Max      float64      `json:"max"`
}

// AnalysisRecord is the persisted result of one saved analysis. Records are
// appended to a user's history and never modified afterwards.
type AnalysisRecord struct {
	ID          string          `json:"id"`
	Date        time.Time       `json:"date"`
	Image       string          `json:"image"` // base64 encoded
	Ingredients []string        `json:"ingredients"`
	Nutrition   []NutrientRange `json:"final_nutrition_info"`
	Summary     string          `json:"text_summary"`
}

type LeaderboardEntry struct {
	Email       string `json:"email"`
	HistorySize int    `json:"food_history_size"`
}
