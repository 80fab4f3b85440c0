package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"food-ai/internal/metrics"
	"food-ai/internal/models"
	"food-ai/internal/sampling"
)

type ParseConfidence string

const (
	// ParseFull means all four nutrient kinds were found.
	ParseFull    ParseConfidence = "full"
	ParsePartial ParseConfidence = "partial"
	ParseEmpty   ParseConfidence = "empty"
)

// ParseResult holds at most one range per nutrient kind, each with Min <= Max,
// ordered energy, protein, fat, carbs.
type ParseResult struct {
	Ranges     []models.NutrientRange `json:"ranges"`
	Confidence ParseConfidence        `json:"confidence"`
	// Source is "model", "summary_block" when only the local reader found
	// ranges, or "model+summary_block" when it filled kinds the model missed.
	Source string `json:"source,omitempty"`
}

// ParseNutrition converts the report's summary table into nutrient ranges
// using the model in JSON mode. Kinds the reply leaves out are taken from the
// fenced summary block, read locally; a reply without usable entries is not an
// error and yields an empty result only when the block has nothing either.
// Only a failed model call returns an error.
func (p *Pipeline) ParseNutrition(ctx context.Context, report string) (ParseResult, error) {
	reply, err := p.complete(ctx, StageParse, sampling.Request{
		Model:     p.cfg.ParseModel,
		Prompt:    parsePrompt + "\n\nText to parse:\n" + report,
		MaxTokens: p.cfg.ParseMaxTokens,
		Format:    sampling.FormatJSON,
	})
	if err != nil {
		return ParseResult{}, err
	}

	raw := decodeRanges(reply)
	ranges := normalizeRanges(raw)
	source := "model"
	if confidenceOf(ranges) != ParseFull {
		// The model's entries come first, so they win for any kind both have.
		merged := normalizeRanges(append(raw, readSummaryBlock(report)...))
		if len(merged) > len(ranges) {
			if len(ranges) == 0 {
				source = "summary_block"
			} else {
				source = "model+summary_block"
			}
			ranges = merged
		}
	}

	result := ParseResult{Ranges: ranges, Confidence: confidenceOf(ranges)}
	if len(ranges) == 0 {
		metrics.ParseEmptyTotal.Add(1)
		slog.Warn("No nutrient ranges found in report", "report_len", len(report))
		return result, nil
	}
	result.Source = source
	return result, nil
}

type rawRange struct {
	Nutrient string
	Min, Max float64
}

// decodeRanges reads {"data": [{"nutrient", "min", "max"}]} from the reply,
// tolerating surrounding prose and numbers sent as strings.
func decodeRanges(reply string) []rawRange {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start == -1 || end <= start {
		return nil
	}

	var payload struct {
		Data []struct {
			Nutrient string          `json:"nutrient"`
			Min      json.RawMessage `json:"min"`
			Max      json.RawMessage `json:"max"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(reply[start:end+1]), &payload); err != nil {
		slog.Warn("Structured parse reply is not valid JSON", "error", err)
		return nil
	}

	out := make([]rawRange, 0, len(payload.Data))
	for _, entry := range payload.Data {
		min, okMin := jsonNumber(entry.Min)
		max, okMax := jsonNumber(entry.Max)
		if !okMin || !okMax {
			continue
		}
		out = append(out, rawRange{Nutrient: entry.Nutrient, Min: min, Max: max})
	}
	return out
}

func jsonNumber(raw json.RawMessage) (float64, bool) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	return leadingNumber(s)
}

var (
	summaryBlockRe = regexp.MustCompile("(?s)```summary\\s*\\n(.*?)```")
	summaryHeadRe  = regexp.MustCompile(`(?im)^\W*summary\W*$`)
	numberRe       = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
)

// rangeLineRe needs the nutrient to open a line, cell or list item, so
// "Saturated fat" is never read as fat.
var rangeLineRe = regexp.MustCompile(`(?im)(?:^|[|,;])[\s*•-]*(?:total\s+)?(energy|calories|protein|fat|lipid|carb[a-z]*)\b[^\d\n]*?(\d+(?:\.\d+)?)\s*(?:kcal|g)?\s*(?:-|–|to|\|)\s*(\d+(?:\.\d+)?)`)

// readSummaryBlock reads ranges from the fenced summary block the estimate
// prompt asks for, or failing that from the text after the last Summary heading.
func readSummaryBlock(report string) []rawRange {
	section := ""
	if m := summaryBlockRe.FindAllStringSubmatch(report, -1); len(m) > 0 {
		section = m[len(m)-1][1]
	} else if locs := summaryHeadRe.FindAllStringIndex(report, -1); len(locs) > 0 {
		section = report[locs[len(locs)-1][1]:]
	} else {
		return nil
	}

	var out []rawRange
	for _, m := range rangeLineRe.FindAllStringSubmatch(section, -1) {
		min, err1 := strconv.ParseFloat(m[2], 64)
		max, err2 := strconv.ParseFloat(m[3], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, rawRange{Nutrient: m[1], Min: min, Max: max})
	}
	return out
}

// nutrientKind maps the names models and the reference corpus use onto the
// four tracked kinds, e.g. "Total Fat" or "Carbohydrate, by difference".
// Saturated and trans fat are parts of the fat total, not the total.
func nutrientKind(name string) (models.NutrientKind, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	if strings.Contains(n, "saturated") || hasWord(n, "trans") {
		return "", false
	}
	switch {
	case strings.Contains(n, "energy"), strings.Contains(n, "calori"), hasWord(n, "kcal"):
		return models.NutrientEnergy, true
	case strings.Contains(n, "protein"):
		return models.NutrientProtein, true
	case strings.Contains(n, "carb"):
		return models.NutrientCarbs, true
	case hasWord(n, "fat"), hasWord(n, "fats"), strings.Contains(n, "lipid"):
		return models.NutrientFat, true
	}
	return "", false
}

func hasWord(s, word string) bool {
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return !unicode.IsLetter(r) }) {
		if f == word {
			return true
		}
	}
	return false
}

// normalizeRanges keeps the first entry per known kind, swaps inverted bounds
// and orders the result by kind.
func normalizeRanges(raw []rawRange) []models.NutrientRange {
	byKind := make(map[models.NutrientKind]models.NutrientRange)
	for _, r := range raw {
		kind, ok := nutrientKind(r.Nutrient)
		if !ok {
			continue
		}
		if _, dup := byKind[kind]; dup {
			continue
		}
		if r.Min > r.Max {
			r.Min, r.Max = r.Max, r.Min
		}
		byKind[kind] = models.NutrientRange{Nutrient: kind, Min: r.Min, Max: r.Max}
	}

	out := make([]models.NutrientRange, 0, len(byKind))
	for _, kind := range models.NutrientKinds {
		if r, ok := byKind[kind]; ok {
			out = append(out, r)
		}
	}
	return out
}

func confidenceOf(ranges []models.NutrientRange) ParseConfidence {
	switch {
	case len(ranges) == len(models.NutrientKinds):
		return ParseFull
	case len(ranges) > 0:
		return ParsePartial
	}
	return ParseEmpty
}

// leadingNumber returns the first number in s, e.g. "23.5 g" -> 23.5.
func leadingNumber(s string) (float64, bool) {
	m := numberRe.FindString(s)
	if m == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
