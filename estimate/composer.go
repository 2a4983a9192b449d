// Package estimate implements pipeline stage 5: composing the final roofing
// estimate from the interpretation and optional roof measurement. The
// composer is deterministic and table-driven; given the same inputs and
// pricing configuration it always produces the same estimate.
package estimate

import (
	"fmt"
	"math"
	"sort"
	"time"

	"brant.roofing.org/common"
	"brant.roofing.org/config"
	"brant.roofing.org/model"
)

// Composer runs stage 5.
type Composer struct {
	pricing config.PricingConfig
}

// New builds a Composer from the pricing configuration, applying defaults
// for unset values.
func New(pricing config.PricingConfig) *Composer {
	if pricing.MaterialPerSqft <= 0 {
		pricing.MaterialPerSqft = 8.00
	}
	if pricing.LaborPerSqft <= 0 {
		pricing.LaborPerSqft = 4.00
	}
	if pricing.LaborRatePerHr <= 0 {
		pricing.LaborRatePerHr = 85.00
	}
	if pricing.SqftPerHour <= 0 {
		pricing.SqftPerHour = 100
	}
	return &Composer{pricing: pricing}
}

// featureCost maps a feature impact grade to its pricing contribution, per
// counted unit.
var featureCost = map[model.FeatureImpact]struct {
	multiplier float64
	flat       float64
}{
	model.ImpactHigh:   {0.10, 500},
	model.ImpactMedium: {0.05, 200},
	model.ImpactLow:    {0, 50},
}

// Compose produces the estimate. measurement may be nil for non-blueprint
// documents; the interpretation's area is the fallback. With no usable area
// from either source the document fails deterministically.
func (c *Composer) Compose(interp *model.Interpretation, measurement *model.RoofMeasurementResult) (*model.Estimate, error) {
	area, areaConf, warnings := c.authoritativeArea(interp, measurement)
	if area <= 0 {
		return nil, fmt.Errorf("no roof area available from measurement or interpretation: %w", common.ErrInsufficientData)
	}

	var features []model.RoofFeature
	if measurement != nil {
		features = measurement.Features
		warnings = append(warnings, measurement.Warnings...)
	}

	baseCost := area * (c.pricing.MaterialPerSqft + c.pricing.LaborPerSqft)
	multiplier, flat := featureAdjustments(features)
	totalCost := round2(baseCost*(1+multiplier) + flat)

	hours := round2(area / c.pricing.SqftPerHour)
	labor := model.LaborEstimate{
		Hours:    hours,
		Rate:     c.pricing.LaborRatePerHr,
		Subtotal: round2(hours * c.pricing.LaborRatePerHr),
	}

	confidence := composeConfidence(areaConf, interp.Confidence)

	est := &model.Estimate{
		RoofAreaSqft:  round2(area),
		EstimatedCost: totalCost,
		Materials:     materialLines(area, interp.Material, c.pricing),
		Labor:         labor,
		Timeline:      timelineBand(area, features),
		Features:      features,
		Confidence:    confidence,
		Warnings:      warnings,
		CreatedAt:     time.Now().UTC(),
	}
	return est, nil
}

// authoritativeArea picks the area source: the blueprint measurement when
// present, otherwise the interpretation.
func (c *Composer) authoritativeArea(interp *model.Interpretation, measurement *model.RoofMeasurementResult) (float64, float64, []string) {
	if measurement != nil && measurement.TotalSqft > 0 {
		return measurement.TotalSqft, measurement.Confidence, nil
	}
	if interp != nil && interp.RoofAreaSqft > 0 {
		var warnings []string
		if measurement != nil {
			warnings = append(warnings, "blueprint measurement produced no area, using document interpretation")
		}
		return interp.RoofAreaSqft, interp.Confidence, warnings
	}
	return 0, 0, nil
}

func featureAdjustments(features []model.RoofFeature) (multiplier, flat float64) {
	for _, f := range features {
		cost, ok := featureCost[f.Impact]
		if !ok {
			continue
		}
		n := float64(f.Count)
		multiplier += cost.multiplier * n
		flat += cost.flat * n
	}
	return multiplier, flat
}

// materialLines builds the material list. The primary membrane line uses
// the interpreted material name; accessory lines scale off area.
func materialLines(area float64, material string, pricing config.PricingConfig) []model.MaterialLine {
	if material == "" {
		material = "unknown"
	}
	lines := []model.MaterialLine{
		{
			Name:     material + " membrane",
			Quantity: round2(area * 1.1), // waste factor
			Unit:     "sq ft",
			UnitCost: pricing.MaterialPerSqft * 0.6,
		},
		{
			Name:     "insulation board",
			Quantity: round2(area),
			Unit:     "sq ft",
			UnitCost: pricing.MaterialPerSqft * 0.3,
		},
		{
			Name:     "fasteners and adhesive",
			Quantity: round2(area / 100),
			Unit:     "units",
			UnitCost: pricing.MaterialPerSqft * 10,
		},
	}
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].Name < lines[j].Name })
	return lines
}

// timelineBand derives the install window from area and the weighted
// feature load. Bands come from field scheduling experience and widen with
// either driver.
func timelineBand(area float64, features []model.RoofFeature) string {
	highCount := 0
	impactSum := 0.0
	for _, f := range features {
		switch f.Impact {
		case model.ImpactHigh:
			highCount += f.Count
			impactSum += 2 * float64(f.Count)
		case model.ImpactMedium:
			impactSum += float64(f.Count)
		case model.ImpactLow:
			impactSum += 0.5 * float64(f.Count)
		}
	}

	switch {
	case area >= 15000 || highCount > 2:
		return "8-12 days"
	case area >= 8000 || impactSum > 6:
		return "5-8 days"
	case area > 1500 || impactSum > 2:
		return "4-6 days"
	default:
		return "2-4 days"
	}
}

// composeConfidence multiplies the non-zero stage confidences and clamps to
// [0.1, 0.99].
func composeConfidence(confidences ...float64) float64 {
	product := 1.0
	for _, c := range confidences {
		if c > 0 {
			product *= c
		}
	}
	if product < 0.1 {
		return 0.1
	}
	if product > 0.99 {
		return 0.99
	}
	return round2(product)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
