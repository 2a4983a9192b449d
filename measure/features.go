package measure

import (
	"sort"

	"brant.roofing.org/model"
)

// featureRule classifies an enclosed region by its real-world footprint and
// shape. Rules run in order; the first match wins.
type featureRule struct {
	kind   model.FeatureKind
	impact model.FeatureImpact
	match  func(areaSqft, aspect, solidity float64) bool
}

// A filled circle covers pi/4 of its bounding box; the round band below
// allows for raster noise around that value.
func roundish(aspect, solidity float64) bool {
	return aspect > 0.7 && aspect < 1.4 && solidity > 0.6 && solidity < 0.92
}

var featureRules = []featureRule{
	{model.FeatureDrain, model.ImpactLow, func(a, asp, sol float64) bool {
		return a < 4 && roundish(asp, sol)
	}},
	{model.FeatureExhaustPort, model.ImpactMedium, func(a, asp, sol float64) bool {
		return a >= 4 && a < 25 && roundish(asp, sol)
	}},
	{model.FeatureWalkway, model.ImpactLow, func(a, asp, sol float64) bool {
		return asp > 3 || asp < 1.0/3
	}},
	{model.FeatureEquipmentPad, model.ImpactMedium, func(a, asp, sol float64) bool {
		return a >= 150 && sol >= 0.85
	}},
	{model.FeatureEquipment, model.ImpactHigh, func(a, asp, sol float64) bool {
		return a >= 25 && sol >= 0.85
	}},
	{model.FeaturePenetration, model.ImpactMedium, func(a, asp, sol float64) bool {
		return a < 25
	}},
}

// classifyFeatures turns interior regions into aggregated rooftop features.
// The caller excludes the roof outline itself before calling.
func classifyFeatures(interior []region, pixelsPerFoot float64) []model.RoofFeature {
	if pixelsPerFoot <= 0 {
		return nil
	}
	sqftPerPx := 1 / (pixelsPerFoot * pixelsPerFoot)

	counts := map[model.FeatureKind]*model.RoofFeature{}
	for _, r := range interior {
		areaSqft := float64(r.areaPx) * sqftPerPx
		for _, rule := range featureRules {
			if !rule.match(areaSqft, r.aspect, r.solidity) {
				continue
			}
			f, ok := counts[rule.kind]
			if !ok {
				f = &model.RoofFeature{Kind: rule.kind, Impact: rule.impact, Confidence: 0.7}
				counts[rule.kind] = f
			}
			f.Count++
			break
		}
	}

	out := make([]model.RoofFeature, 0, len(counts))
	for _, f := range counts {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}
