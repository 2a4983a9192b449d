package model

import "time"

// Interpretation is the stage-4 output: the LLM's structured reading of the
// extracted content.
type Interpretation struct {
	RoofAreaSqft      float64        `json:"roof_area_sqft"`
	Material          string         `json:"material"`
	ComplexityFactors []string       `json:"complexity_factors,omitempty"`
	Summary           string         `json:"summary"`
	Confidence        float64        `json:"confidence"`
	Metadata          DomainMetadata `json:"metadata,omitempty"`
}

// MaterialLine is one material list entry in an estimate.
type MaterialLine struct {
	Name     string  `json:"name"`
	Quantity float64 `json:"quantity"`
	Unit     string  `json:"unit"`
	UnitCost float64 `json:"unit_cost"`
}

// LaborEstimate is the labor portion of an estimate.
type LaborEstimate struct {
	Hours    float64 `json:"hours"`
	Rate     float64 `json:"rate"`
	Subtotal float64 `json:"subtotal"`
}

// Estimate is the final pipeline result persisted in processing_results.
type Estimate struct {
	DocumentID      string         `json:"document_id"`
	RoofAreaSqft    float64        `json:"roof_area_sqft"`
	EstimatedCost   float64        `json:"estimated_cost"`
	Materials       []MaterialLine `json:"materials"`
	Labor           LaborEstimate  `json:"labor"`
	Timeline        string         `json:"timeline"`
	Features        []RoofFeature  `json:"features,omitempty"`
	Confidence      float64        `json:"confidence"`
	Warnings        []string       `json:"warnings,omitempty"`
	StagesCompleted []string       `json:"stages_completed"`
	ElapsedSeconds  float64        `json:"elapsed_seconds"`
	CreatedAt       time.Time      `json:"created_at"`
}
