// Package measure implements pipeline stage 3 for the blueprint branch:
// computer-vision area measurement with an LLM-vision fallback, feature
// detection, and reconciliation against the text-extracted measurements.
package measure

import (
	"context"
	"fmt"
	"math"

	"brant.roofing.org/common"
	"brant.roofing.org/config"
	"brant.roofing.org/llm"
	"brant.roofing.org/model"
)

// Measurer runs stage 3.
type Measurer struct {
	llm               llm.Client
	cvCfg             config.CVConfig
	fallbackThreshold float64
}

// New builds a Measurer. Zero-value config fields fall back to the standard
// tuning so callers outside the loader still get a working CV path.
func New(client llm.Client, cvCfg config.CVConfig, llmCfg config.LLMConfig) *Measurer {
	threshold := llmCfg.VisionFallbackThreshold
	if threshold <= 0 {
		threshold = 0.7
	}
	if cvCfg.CannyLow <= 0 {
		cvCfg.CannyLow = 50
	}
	if cvCfg.CannyHigh <= 0 {
		cvCfg.CannyHigh = 150
	}
	if cvCfg.MinContourArea <= 0 {
		cvCfg.MinContourArea = 5000
	}
	if cvCfg.AspectMin <= 0 {
		cvCfg.AspectMin = 0.3
	}
	if cvCfg.AspectMax <= 0 {
		cvCfg.AspectMax = 3.0
	}
	if cvCfg.MinSolidity <= 0 {
		cvCfg.MinSolidity = 0.6
	}
	return &Measurer{llm: client, cvCfg: cvCfg, fallbackThreshold: threshold}
}

// visionPageLimit bounds how many page images go into one vision call.
const visionPageLimit = 4

// cvOutcome is the internal result of the computer-vision path.
type cvOutcome struct {
	totalSqft  float64
	regions    []model.RegionMeasurement
	features   []model.RoofFeature
	confidence float64
}

// Measure produces the roof measurement for a blueprint. content must carry
// the stage-2 images and text; the vision fallback kicks in when the CV
// confidence falls short or no scale annotation parses.
func (m *Measurer) Measure(ctx context.Context, content *model.ExtractedContent) (*model.RoofMeasurementResult, error) {
	cv := m.measureCV(content)

	// Vision is consulted when geometry could not produce a confident
	// answer, which includes the no-parsable-scale case where CV cannot
	// run at all.
	var vision *visionOutcome
	if cv == nil || cv.confidence < m.fallbackThreshold {
		v, err := m.measureVision(ctx, content.Images)
		if err != nil {
			if cv == nil {
				return nil, err
			}
			common.Logger.WithError(err).Warn("LLM vision fallback failed, keeping CV result")
		} else {
			vision = v
		}
	}

	result := selectMeasurement(cv, vision)
	if result == nil {
		return nil, fmt.Errorf("no measurable roof boundary found: %w", common.ErrInsufficientData)
	}

	result.Verification = verifyMeasurements(ocrTotal(content.Measurements), result.TotalSqft)
	if result.Verification != nil {
		// Reconciliation against the document text caps the measurement
		// confidence so the downstream estimate carries the penalty.
		if result.Verification.Confidence < result.Confidence {
			result.Confidence = result.Verification.Confidence
		}
		if result.Verification.Recommendation == model.RecommendManualReview {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("blueprint area disagrees with document text by %.1f%%, manual review recommended",
					result.Verification.DiffPercent))
		}
	}
	return result, nil
}

// measureCV runs the geometric path over every page image and keeps the
// page with the largest enclosed region. Returns nil when no page yields a
// usable boundary.
func (m *Measurer) measureCV(content *model.ExtractedContent) *cvOutcome {
	scale, scaleFound := ParseScale(content.Text)
	if !scaleFound {
		return nil
	}

	var best *cvOutcome
	for _, img := range content.Images {
		ppf := scale.PixelsPerFoot(img.DPI)
		if ppf <= 0 {
			continue
		}
		regions, err := detectRegions(img.Path, m.cvCfg)
		if err != nil || len(regions) == 0 {
			continue
		}

		sqftPerPx := 1 / (ppf * ppf)
		outline := regions[0]
		outcome := &cvOutcome{
			totalSqft: float64(outline.areaPx) * sqftPerPx,
			features:  classifyFeatures(regions[1:], ppf),
		}
		outcome.regions = []model.RegionMeasurement{{
			AreaSqft:   outcome.totalSqft,
			Method:     model.MeasureCV,
			Confidence: boundaryConfidence(outline),
			BBox:       &outline.bbox,
		}}
		// Overall CV confidence is the weaker of the scale and boundary
		// signals.
		outcome.confidence = math.Min(0.9, boundaryConfidence(outline))

		if best == nil || outcome.totalSqft > best.totalSqft {
			best = outcome
		}
	}
	return best
}

// boundaryConfidence scores how plausible the detected outline is as a roof
// perimeter. Very low solidity means the fill leaked through a gap.
func boundaryConfidence(r region) float64 {
	switch {
	case r.solidity >= 0.8:
		return 0.9
	case r.solidity >= 0.7:
		return 0.8
	default:
		return 0.65
	}
}

type visionOutcome struct {
	totalSqft  float64
	regions    []model.RegionMeasurement
	confidence float64
}

const visionPrompt = `You measure commercial roof plans. Examine the attached
blueprint pages and estimate the roof area. Reply with a JSON object only,
no prose, matching exactly:
{"roof_areas": [{"area_sqft": <number>, "confidence": <0..1>}], "overall_confidence": <0..1>}`

// measureVision submits page thumbnails to the vision model and parses the
// strict JSON reply.
func (m *Measurer) measureVision(ctx context.Context, images []model.ExtractedImage) (*visionOutcome, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("no page images for vision measurement: %w", common.ErrInsufficientData)
	}

	limit := len(images)
	if limit > visionPageLimit {
		limit = visionPageLimit
	}
	parts := make([]llm.ImagePart, 0, limit)
	for _, img := range images[:limit] {
		part, err := llm.ThumbnailPart(img.Path, 1024)
		if err != nil {
			common.Logger.WithError(err).WithField("page", img.PageIndex).Warn("skipping page thumbnail")
			continue
		}
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("no readable page images: %w", common.ErrInsufficientData)
	}

	reply, err := m.llm.CompleteVision(ctx, visionPrompt, parts)
	if err != nil {
		return nil, err
	}

	// Material and coordinates are allowed in the reply schema but unused
	// here; the strict decoder rejects any field not listed.
	var parsed struct {
		RoofAreas []struct {
			AreaSqft    float64   `json:"area_sqft"`
			Confidence  float64   `json:"confidence"`
			Material    string    `json:"material,omitempty"`
			Coordinates []float64 `json:"coordinates,omitempty"`
		} `json:"roof_areas"`
		OverallConfidence float64 `json:"overall_confidence"`
	}
	if err := common.DecodeJSONObject(reply, &parsed); err != nil {
		return nil, fmt.Errorf("unusable vision reply: %v: %w", err, common.ErrUpstream)
	}

	out := &visionOutcome{confidence: clamp01(parsed.OverallConfidence)}
	for _, area := range parsed.RoofAreas {
		if area.AreaSqft <= 0 {
			continue
		}
		out.totalSqft += area.AreaSqft
		out.regions = append(out.regions, model.RegionMeasurement{
			AreaSqft:   area.AreaSqft,
			Method:     model.MeasureLLMVision,
			Confidence: clamp01(area.Confidence),
		})
	}
	if out.totalSqft <= 0 {
		return nil, fmt.Errorf("vision reply contained no areas: %w", common.ErrInsufficientData)
	}
	return out, nil
}

// selectMeasurement applies the hybrid decision rules. With both results in
// hand, small disagreement defers to confidence and large disagreement
// defers to the vision model, which sees the drawing as a whole.
func selectMeasurement(cv *cvOutcome, vision *visionOutcome) *model.RoofMeasurementResult {
	switch {
	case cv == nil && vision == nil:
		return nil
	case vision == nil:
		return &model.RoofMeasurementResult{
			TotalSqft:  round2(cv.totalSqft),
			Regions:    cv.regions,
			Features:   cv.features,
			Method:     model.MeasureCV,
			Confidence: cv.confidence,
		}
	case cv == nil:
		return &model.RoofMeasurementResult{
			TotalSqft:  round2(vision.totalSqft),
			Regions:    vision.regions,
			Method:     model.MeasureLLMVision,
			Confidence: vision.confidence,
		}
	}

	relDiff := math.Abs(cv.totalSqft-vision.totalSqft) / math.Max(cv.totalSqft, vision.totalSqft)

	result := &model.RoofMeasurementResult{
		Method:   model.MeasureHybrid,
		Features: cv.features,
	}
	useCV := cv.confidence >= vision.confidence

	switch {
	case relDiff < 0.05:
		// Agreement between independent methods is itself a signal.
		result.Confidence = clamp01(math.Max(cv.confidence, vision.confidence) + 0.05)
	case relDiff < 0.20:
		result.Confidence = math.Max(cv.confidence, vision.confidence)
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("minor discrepancy between vision and geometric measurement (%.1f%%)", relDiff*100))
	default:
		useCV = false
		result.Confidence = vision.confidence
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("major discrepancy between vision and geometric measurement (%.1f%%), manual review recommended", relDiff*100))
	}

	if useCV {
		result.TotalSqft = round2(cv.totalSqft)
		result.Regions = cv.regions
	} else {
		result.TotalSqft = round2(vision.totalSqft)
		result.Regions = vision.regions
	}
	return result
}

// verifyMeasurements reconciles the blueprint total against the summed text
// measurements. The thresholds are authoritative for the recommendation.
func verifyMeasurements(ocrTotalSqft, blueprintSqft float64) *model.Verification {
	if ocrTotalSqft <= 0 || blueprintSqft <= 0 {
		return nil
	}
	diffPct := math.Abs(ocrTotalSqft-blueprintSqft) / math.Max(ocrTotalSqft, blueprintSqft) * 100

	v := &model.Verification{
		OcrTotalSqft:       round2(ocrTotalSqft),
		BlueprintTotalSqft: round2(blueprintSqft),
		DiffPercent:        round2(diffPct),
	}
	switch {
	case diffPct < 5:
		v.Confidence, v.Recommendation = 0.95, model.RecommendUseBlueprint
	case diffPct < 15:
		v.Confidence, v.Recommendation = 0.80, model.RecommendUseBlueprint
	case diffPct < 30:
		v.Confidence, v.Recommendation = 0.60, model.RecommendManualReview
	default:
		v.Confidence, v.Recommendation = 0.30, model.RecommendManualReview
	}
	return v
}

func ocrTotal(measurements []model.OcrMeasurement) float64 {
	var total float64
	for _, m := range measurements {
		total += m.SquareFeet
	}
	return total
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
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
