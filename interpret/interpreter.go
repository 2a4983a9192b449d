// Package interpret implements pipeline stage 4: asking the LLM for a
// structured reading of the extracted content. The stage never fails on
// ambiguous content; only adapter-transport errors propagate, so the job can
// retry them. Unusable replies degrade to a low-confidence interpretation.
package interpret

import (
	"context"
	"fmt"
	"strings"

	"brant.roofing.org/common"
	"brant.roofing.org/config"
	"brant.roofing.org/llm"
	"brant.roofing.org/model"
)

// Interpreter runs stage 4.
type Interpreter struct {
	llm          llm.Client
	promptBudget int
	thumbLimit   int
}

// New builds an Interpreter from configuration.
func New(client llm.Client, cfg config.LLMConfig) *Interpreter {
	budget := cfg.PromptBudgetChars
	if budget <= 0 {
		budget = 12000
	}
	return &Interpreter{llm: client, promptBudget: budget, thumbLimit: 3}
}

const interpretPrompt = `You are a commercial roofing estimator. Read the
document content below and reply with a JSON object only, matching exactly:
{"roof_area_sqft": <number>, "material": "<string>", "complexity_factors": ["<string>", ...], "summary": "<string>", "confidence": <0..1>}

Known project details:
%s

Document content:
%s`

const repairPrompt = `Your previous reply was not valid JSON. Reply again
with ONLY the JSON object, no prose, no code fences:
%s`

// Interpret produces the structured interpretation. One repair round trip is
// attempted when the first reply does not parse; after that the stage
// degrades rather than failing the document.
func (i *Interpreter) Interpret(ctx context.Context, content *model.ExtractedContent) (*model.Interpretation, error) {
	prompt := fmt.Sprintf(interpretPrompt, formatMetadata(content.Metadata), truncateRunes(content.Text, i.promptBudget))

	images, err := i.thumbnails(content.Images)
	if err != nil {
		common.Logger.WithError(err).Debug("interpretation proceeding without thumbnails")
	}

	reply, err := i.complete(ctx, prompt, images)
	if err != nil {
		return nil, err
	}

	parsed, perr := decodeInterpretation(reply)
	if perr != nil {
		common.Logger.WithError(perr).Debug("interpretation reply not parseable, sending repair prompt")
		reply, err = i.complete(ctx, fmt.Sprintf(repairPrompt, reply), nil)
		if err != nil {
			return nil, err
		}
		parsed, perr = decodeInterpretation(reply)
	}
	if perr != nil {
		common.Logger.WithError(perr).Warn("interpretation unusable after repair, degrading")
		return fallbackInterpretation(content), nil
	}

	parsed.Metadata = content.Metadata
	parsed.Confidence = clamp01(parsed.Confidence)
	return parsed, nil
}

func (i *Interpreter) complete(ctx context.Context, prompt string, images []llm.ImagePart) (string, error) {
	if len(images) > 0 {
		return i.llm.CompleteVision(ctx, prompt, images)
	}
	return i.llm.Complete(ctx, prompt)
}

func decodeInterpretation(reply string) (*model.Interpretation, error) {
	var parsed model.Interpretation
	if err := common.DecodeJSONObject(reply, &parsed); err != nil {
		return nil, err
	}
	if parsed.Material == "" && parsed.RoofAreaSqft <= 0 && parsed.Summary == "" {
		return nil, fmt.Errorf("interpretation reply carried no usable fields")
	}
	return &parsed, nil
}

// fallbackInterpretation is the degraded stage output: unknown material, a
// deterministic summary, and a confidence low enough that downstream
// consumers flag the estimate.
func fallbackInterpretation(content *model.ExtractedContent) *model.Interpretation {
	summary := strings.TrimSpace(truncateRunes(content.Text, 280))
	if summary == "" {
		summary = "document content could not be summarized"
	}
	return &model.Interpretation{
		Material:   "unknown",
		Summary:    summary,
		Confidence: 0.2,
		Metadata:   content.Metadata,
	}
}

// thumbnails downsizes a bounded number of page images for the prompt.
func (i *Interpreter) thumbnails(images []model.ExtractedImage) ([]llm.ImagePart, error) {
	limit := len(images)
	if limit > i.thumbLimit {
		limit = i.thumbLimit
	}
	var parts []llm.ImagePart
	var lastErr error
	for _, img := range images[:limit] {
		part, err := llm.ThumbnailPart(img.Path, 768)
		if err != nil {
			lastErr = err
			continue
		}
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return nil, lastErr
	}
	return parts, nil
}

func formatMetadata(meta model.DomainMetadata) string {
	if len(meta) == 0 {
		return "(none)"
	}
	keys := []string{model.MetaProjectNumber, model.MetaStoreNumber, model.MetaClientName, model.MetaLocation, model.MetaDate}
	var b strings.Builder
	for _, k := range keys {
		if v, ok := meta[k]; ok {
			fmt.Fprintf(&b, "%s: %s\n", k, v)
		}
	}
	return strings.TrimSpace(b.String())
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
