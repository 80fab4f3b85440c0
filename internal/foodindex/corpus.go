package foodindex

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"food-ai/internal/models"
)

// USDA nutrient ids kept from the SR Legacy dump.
const (
	nutrientProtein = 1003
	nutrientFat     = 1004
	nutrientCarbs   = 1005
	nutrientEnergy  = 1008
)

var keptNutrients = map[int]bool{
	nutrientProtein: true,
	nutrientFat:     true,
	nutrientCarbs:   true,
	nutrientEnergy:  true,
}

type srLegacyDump struct {
	Foods []struct {
		Description   string `json:"description"`
		FoodNutrients []struct {
			Nutrient struct {
				ID       int    `json:"id"`
				Name     string `json:"name"`
				UnitName string `json:"unitName"`
			} `json:"nutrient"`
			Amount float64 `json:"amount"`
		} `json:"foodNutrients"`
	} `json:"SRLegacyFoods"`
}

// FilterSRLegacy reads a USDA FoodData Central SR Legacy JSON dump and keeps
// energy, protein, fat and carbohydrate for each food, formatted as
// "<amount> <unit>" under the USDA nutrient name.
func FilterSRLegacy(r io.Reader) ([]models.ReferenceFood, error) {
	var dump srLegacyDump
	if err := json.NewDecoder(r).Decode(&dump); err != nil {
		return nil, fmt.Errorf("failed to decode SR Legacy dump: %w", err)
	}

	foods := make([]models.ReferenceFood, 0, len(dump.Foods))
	for _, item := range dump.Foods {
		food := models.ReferenceFood{
			Description: item.Description,
			Nutrients:   make(map[string]string),
		}
		for _, n := range item.FoodNutrients {
			if !keptNutrients[n.Nutrient.ID] {
				continue
			}
			amount := strconv.FormatFloat(n.Amount, 'f', -1, 64)
			food.Nutrients[n.Nutrient.Name] = amount + " " + n.Nutrient.UnitName
		}
		foods = append(foods, food)
	}
	return foods, nil
}

// LoadCorpus reads a filtered corpus: a JSON array of flat objects holding a
// "description" and one key per nutrient.
func LoadCorpus(r io.Reader) ([]models.ReferenceFood, error) {
	var raw []map[string]any
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode corpus: %w", err)
	}

	foods := make([]models.ReferenceFood, 0, len(raw))
	for _, item := range raw {
		food := models.ReferenceFood{Nutrients: make(map[string]string)}
		for key, value := range item {
			if key == "description" {
				food.Description, _ = value.(string)
				continue
			}
			switch v := value.(type) {
			case string:
				food.Nutrients[key] = v
			case float64:
				food.Nutrients[key] = strconv.FormatFloat(v, 'f', -1, 64)
			case nil:
			default:
				food.Nutrients[key] = fmt.Sprint(v)
			}
		}
		foods = append(foods, food)
	}
	return foods, nil
}

// WriteCorpus writes foods in the format LoadCorpus reads.
func WriteCorpus(w io.Writer, foods []models.ReferenceFood) error {
	out := make([]map[string]string, 0, len(foods))
	for _, food := range foods {
		item := make(map[string]string, len(food.Nutrients)+1)
		for name, value := range food.Nutrients {
			item[name] = value
		}
		item["description"] = food.Description
		out = append(out, item)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("failed to encode corpus: %w", err)
	}
	return nil
}
