package model

// ExtractionMethod tags how stage 2 obtained its text.
type ExtractionMethod string

const (
	MethodPDFText ExtractionMethod = "pdf_text"
	MethodOCR     ExtractionMethod = "ocr"
	MethodMerged  ExtractionMethod = "pdf_text+ocr"
)

// ExtractedImage is a page image rendered or lifted from the PDF, kept on
// disk under the job scratch directory rather than in memory.
type ExtractedImage struct {
	PageIndex int    `json:"page_index"`
	Path      string `json:"path"`
	DPI       int    `json:"dpi"`
}

// OcrMeasurement is a numeric area candidate recognized in the merged text.
type OcrMeasurement struct {
	// SquareFeet is the parsed value in square feet.
	SquareFeet float64 `json:"square_feet"`

	// SourceSpan is the matched text fragment, for audit.
	SourceSpan string `json:"source_span"`

	// Confidence is in [0,1].
	Confidence float64 `json:"confidence"`
}

// Table is a rows-by-cells table recognized in the document.
type Table struct {
	PageIndex int        `json:"page_index"`
	Rows      [][]string `json:"rows"`
}

// DomainMetadata is the bounded mapping of recognized project identifiers.
// Only the keys below are ever populated.
type DomainMetadata map[string]string

// Recognized DomainMetadata keys.
const (
	MetaProjectNumber = "project_number"
	MetaStoreNumber   = "store_number"
	MetaLocation      = "location"
	MetaClientName    = "client_name"
	MetaDate          = "date"
)

// ExtractedContent is the stage-2 output consumed by measurement and
// interpretation.
type ExtractedContent struct {
	Text         string           `json:"text"`
	Images       []ExtractedImage `json:"images"`
	Measurements []OcrMeasurement `json:"measurements"`
	Tables       []Table          `json:"tables"`
	Method       ExtractionMethod `json:"method"`
	Confidence   float64          `json:"confidence"`
	Metadata     DomainMetadata   `json:"metadata,omitempty"`
}
