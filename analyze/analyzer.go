// Package analyze implements pipeline stage 1: classifying an ingested
// document so the orchestrator can pick the extraction and measurement
// strategy. Classification combines cheap structural signals, a bounded LLM
// prompt, and keyword heuristics as the fallback.
package analyze

import (
	"context"
	"fmt"
	"strings"

	"brant.roofing.org/common"
	"brant.roofing.org/llm"
	"brant.roofing.org/model"
	"brant.roofing.org/pdftext"
)

// Classification is the stage-1 output.
type Classification struct {
	Kind       model.DocumentKind `json:"kind"`
	Confidence float64            `json:"confidence"`
	PageCount  int                `json:"page_count"`
}

// Analyzer classifies documents.
type Analyzer struct {
	llm llm.Client
}

// New returns an Analyzer using the given LLM client.
func New(client llm.Client) *Analyzer {
	return &Analyzer{llm: client}
}

const classifyPromptLimit = 2000

const classifyPrompt = `You classify commercial roofing documents.
Given the excerpt below, reply with a JSON object only:
{"kind": "<blueprint|inspection_report|existing_estimate|photo|unknown>", "confidence": <0..1>}

Document has %d pages. Excerpt:
%s`

// Classify inspects the file and returns its kind. The file is never
// written to; transport failures surface as retryable upstream errors only
// when the heuristics also produce nothing.
func (a *Analyzer) Classify(ctx context.Context, path string, hint model.DocumentKind) (Classification, error) {
	info, err := pdftext.Stat(path)
	if err != nil {
		return Classification{}, fmt.Errorf("failed to inspect document: %w", err)
	}

	excerpt, _ := pdftext.ExtractText(path)
	if len(excerpt) > classifyPromptLimit {
		excerpt = excerpt[:classifyPromptLimit]
	}

	reply, err := a.llm.Complete(ctx, fmt.Sprintf(classifyPrompt, info.PageCount, excerpt))
	if err == nil {
		var parsed struct {
			Kind       string  `json:"kind"`
			Confidence float64 `json:"confidence"`
		}
		if jerr := common.DecodeJSONObject(reply, &parsed); jerr == nil {
			kind := model.ParseDocumentKind(parsed.Kind)
			if kind != model.KindUnknown {
				return Classification{
					Kind:       kind,
					Confidence: clamp01(parsed.Confidence),
					PageCount:  info.PageCount,
				}, nil
			}
		}
		// Non-JSON or unknown reply: fall through to heuristics.
	} else if excerpt == "" && hint == model.KindUnknown {
		// Nothing to classify on locally; the failure is retryable.
		return Classification{}, fmt.Errorf("classification unavailable: %w", err)
	}

	if kind, conf := classifyByKeywords(excerpt); kind != model.KindUnknown {
		return Classification{Kind: kind, Confidence: conf, PageCount: info.PageCount}, nil
	}
	if hint != model.KindUnknown && hint != "" {
		return Classification{Kind: hint, Confidence: 0.5, PageCount: info.PageCount}, nil
	}
	return Classification{Kind: model.KindUnknown, Confidence: 0.3, PageCount: info.PageCount}, nil
}

// keywordRules map distinctive vocabulary to a document kind. First match
// wins; the order goes from most to least specific.
var keywordRules = []struct {
	kind     model.DocumentKind
	keywords []string
}{
	{model.KindBlueprint, []string{"scale:", `scale 1"`, "roof plan", "drawing no", "sheet no", "architect"}},
	{model.KindExistingEstimate, []string{"estimate", "quote", "proposal", "total cost", "bid"}},
	{model.KindInspectionReport, []string{"inspection", "deficiency", "condition report", "findings"}},
}

func classifyByKeywords(text string) (model.DocumentKind, float64) {
	lower := strings.ToLower(text)
	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.kind, 0.6
			}
		}
	}
	return model.KindUnknown, 0
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
