package model

// MeasurementMethod tags how a roof measurement was produced.
type MeasurementMethod string

const (
	MeasureCV        MeasurementMethod = "cv"
	MeasureLLMVision MeasurementMethod = "llm_vision"
	MeasureHybrid    MeasurementMethod = "hybrid"
)

// FeatureKind enumerates roof-top objects affecting cost or complexity.
type FeatureKind string

const (
	FeatureExhaustPort  FeatureKind = "exhaust_port"
	FeatureWalkway      FeatureKind = "walkway"
	FeatureEquipment    FeatureKind = "equipment"
	FeatureDrain        FeatureKind = "drain"
	FeaturePenetration  FeatureKind = "penetration"
	FeatureEquipmentPad FeatureKind = "equipment_pad"
)

// FeatureImpact grades how much a feature complicates the job.
type FeatureImpact string

const (
	ImpactLow    FeatureImpact = "low"
	ImpactMedium FeatureImpact = "medium"
	ImpactHigh   FeatureImpact = "high"
)

// RoofFeature is a detected roof-top object with its count and impact.
// Count is always at least 1.
type RoofFeature struct {
	Kind       FeatureKind   `json:"kind"`
	Count      int           `json:"count"`
	Impact     FeatureImpact `json:"impact"`
	Confidence float64       `json:"confidence"`
}

// BoundingBox locates a detection on a rendered page, in pixels.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// RegionMeasurement is one measured roof region.
type RegionMeasurement struct {
	AreaSqft   float64           `json:"area_sqft"`
	Method     MeasurementMethod `json:"method"`
	Confidence float64           `json:"confidence"`
	BBox       *BoundingBox      `json:"bbox,omitempty"`
}

// VerificationRecommendation is the reconciliation verdict against the OCR
// measurements.
type VerificationRecommendation string

const (
	RecommendUseBlueprint VerificationRecommendation = "use_blueprint"
	RecommendManualReview VerificationRecommendation = "manual_review"
)

// Verification records the outcome of reconciling the blueprint measurement
// with the OCR text measurements.
type Verification struct {
	OcrTotalSqft       float64                    `json:"ocr_total_sqft"`
	BlueprintTotalSqft float64                    `json:"blueprint_total_sqft"`
	DiffPercent        float64                    `json:"diff_percent"`
	Confidence         float64                    `json:"confidence"`
	Recommendation     VerificationRecommendation `json:"recommendation"`
}

// RoofMeasurementResult is the stage-3 output.
type RoofMeasurementResult struct {
	TotalSqft    float64             `json:"total_sqft"`
	Regions      []RegionMeasurement `json:"regions"`
	Features     []RoofFeature       `json:"features"`
	Method       MeasurementMethod   `json:"method"`
	Confidence   float64             `json:"confidence"`
	Verification *Verification       `json:"verification,omitempty"`
	Warnings     []string            `json:"warnings,omitempty"`
}
