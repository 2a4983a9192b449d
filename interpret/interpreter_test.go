package interpret

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brant.roofing.org/config"
	"brant.roofing.org/llm"
	"brant.roofing.org/model"
)

func testContent() *model.ExtractedContent {
	return &model.ExtractedContent{
		Text: "ROOF PLAN\nTotal area: 4,421 sq ft\nTPO membrane, fully adhered",
		Metadata: model.DomainMetadata{
			model.MetaProjectNumber: "24-1187",
			model.MetaClientName:    "Meridian Retail Group",
		},
	}
}

// TestInterpret tests the happy path with a well-formed reply
func TestInterpret(t *testing.T) {
	mock := &llm.MockClient{Replies: []string{
		`{"roof_area_sqft": 4421, "material": "TPO", "complexity_factors": ["fully adhered"], "summary": "TPO reroof", "confidence": 0.85}`,
	}}
	i := New(mock, config.LLMConfig{})

	got, err := i.Interpret(context.Background(), testContent())
	require.NoError(t, err)
	assert.Equal(t, 1, mock.Calls)

	assert.Equal(t, 4421.0, got.RoofAreaSqft)
	assert.Equal(t, "TPO", got.Material)
	assert.Equal(t, []string{"fully adhered"}, got.ComplexityFactors)
	assert.InDelta(t, 0.85, got.Confidence, 1e-9)
	assert.Equal(t, "24-1187", got.Metadata[model.MetaProjectNumber])

	// The prompt carries the known project details and the document text.
	assert.Contains(t, mock.LastPrompt, "24-1187")
	assert.Contains(t, mock.LastPrompt, "Total area: 4,421 sq ft")
}

// TestInterpretRepairRoundTrip tests the single repair attempt after an
// unparseable first reply
func TestInterpretRepairRoundTrip(t *testing.T) {
	mock := &llm.MockClient{Replies: []string{
		"I think this is a TPO roof of around 4400 square feet.",
		`{"roof_area_sqft": 4400, "material": "TPO", "summary": "TPO reroof", "confidence": 0.7}`,
	}}
	i := New(mock, config.LLMConfig{})

	got, err := i.Interpret(context.Background(), testContent())
	require.NoError(t, err)
	assert.Equal(t, 2, mock.Calls)
	assert.Equal(t, "TPO", got.Material)
	assert.Contains(t, mock.LastPrompt, "ONLY the JSON object")
}

// TestInterpretDegradesAfterRepair tests the low-confidence fallback when
// the model never produces usable JSON
func TestInterpretDegradesAfterRepair(t *testing.T) {
	mock := &llm.MockClient{Replies: []string{"no json", "still no json"}}
	i := New(mock, config.LLMConfig{})

	got, err := i.Interpret(context.Background(), testContent())
	require.NoError(t, err, "unusable replies degrade instead of failing")
	assert.Equal(t, 2, mock.Calls)

	assert.Equal(t, "unknown", got.Material)
	assert.InDelta(t, 0.2, got.Confidence, 1e-9)
	assert.Contains(t, got.Summary, "ROOF PLAN")
	assert.Equal(t, "Meridian Retail Group", got.Metadata[model.MetaClientName])
}

// TestInterpretPropagatesTransportErrors tests that adapter failures stay
// retryable instead of degrading
func TestInterpretPropagatesTransportErrors(t *testing.T) {
	mock := &llm.MockClient{Err: errors.New("gateway timeout")}
	i := New(mock, config.LLMConfig{})

	_, err := i.Interpret(context.Background(), testContent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway timeout")
}

// TestInterpretRejectsEmptyObject tests that a syntactically valid but
// contentless reply counts as unusable
func TestInterpretRejectsEmptyObject(t *testing.T) {
	mock := &llm.MockClient{Replies: []string{`{}`, `{}`}}
	i := New(mock, config.LLMConfig{})

	got, err := i.Interpret(context.Background(), testContent())
	require.NoError(t, err)
	assert.Equal(t, "unknown", got.Material, "empty object degrades")
}

// TestInterpretTruncatesPrompt tests the prompt budget
func TestInterpretTruncatesPrompt(t *testing.T) {
	mock := &llm.MockClient{Replies: []string{
		`{"material": "TPO", "summary": "x", "confidence": 0.5}`,
	}}
	i := New(mock, config.LLMConfig{PromptBudgetChars: 500})

	content := testContent()
	content.Text = strings.Repeat("roof ", 1000)
	_, err := i.Interpret(context.Background(), content)
	require.NoError(t, err)
	assert.Less(t, len(mock.LastPrompt), 1200, "document text is truncated to the budget")
}

// TestFormatMetadata tests the deterministic key ordering
func TestFormatMetadata(t *testing.T) {
	out := formatMetadata(model.DomainMetadata{
		model.MetaDate:          "03/14/2024",
		model.MetaProjectNumber: "24-1187",
	})
	assert.Equal(t, "project_number: 24-1187\ndate: 03/14/2024", out)

	assert.Equal(t, "(none)", formatMetadata(nil))
}
