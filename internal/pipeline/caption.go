package pipeline

import (
	"context"
	"strings"

	"food-ai/internal/sampling"
)

// notIdentifiedReply is what the caption model answers when it sees no food.
const notIdentifiedReply = "false"

// CaptionResult is either Identified with at least one label, or not.
type CaptionResult struct {
	Identified bool
	Labels     []string
}

// ExtractIngredients asks the vision model for the ingredients in image.
// A photo without recognizable food is a normal result, not an error.
func (p *Pipeline) ExtractIngredients(ctx context.Context, image []byte) (CaptionResult, error) {
	reply, err := p.complete(ctx, StageCaption, sampling.Request{
		Model:     p.cfg.CaptionModel,
		Prompt:    captionPrompt,
		Image:     image,
		MaxTokens: p.cfg.CaptionMaxTokens,
		Format:    sampling.FormatText,
	})
	if err != nil {
		return CaptionResult{}, err
	}
	return parseCaption(reply), nil
}

// parseCaption splits a comma separated reply into lowercase labels, dropping
// blanks and repeats.
func parseCaption(reply string) CaptionResult {
	if cleanLabel(reply) == notIdentifiedReply {
		return CaptionResult{}
	}

	seen := make(map[string]bool)
	var labels []string
	for _, part := range strings.FieldsFunc(reply, func(r rune) bool { return r == ',' || r == '\n' }) {
		label := cleanLabel(part)
		if label == "" || label == notIdentifiedReply || seen[label] {
			continue
		}
		seen[label] = true
		labels = append(labels, label)
	}

	if len(labels) == 0 {
		return CaptionResult{}
	}
	return CaptionResult{Identified: true, Labels: labels}
}

func cleanLabel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Trim(s, "\"'`[]().-*• ")
	return strings.Join(strings.Fields(s), " ")
}
