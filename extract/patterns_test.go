package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brant.roofing.org/model"
)

// TestExtractMeasurements covers the area notations that appear in roofing
// documents
func TestExtractMeasurements(t *testing.T) {
	text := `ROOF PLAN
Total area: 4,421 sq ft
Section B measures 120' x 80'
walkway strip 320 SF`

	got := ExtractMeasurements(text)
	require.Len(t, got, 3)

	values := map[float64]bool{}
	for _, m := range got {
		values[m.SquareFeet] = true
		assert.Greater(t, m.Confidence, 0.0)
		assert.NotEmpty(t, m.SourceSpan)
	}
	assert.True(t, values[4421])
	assert.True(t, values[9600]) // 120 x 80
	assert.True(t, values[320])
}

// TestExtractMeasurementsDedupes tests that one callout matching two
// patterns yields one candidate
func TestExtractMeasurementsDedupes(t *testing.T) {
	got := ExtractMeasurements("total roof area: 1,800 sq ft")
	require.Len(t, got, 1)
	assert.Equal(t, 1800.0, got[0].SquareFeet)
	assert.InDelta(t, 0.9, got[0].Confidence, 1e-9) // explicit pattern wins
}

// TestExtractMeasurementsIgnoresGarbage tests non-measurements
func TestExtractMeasurementsIgnoresGarbage(t *testing.T) {
	assert.Empty(t, ExtractMeasurements("call us at 555-1234 for a quote"))
	assert.Empty(t, ExtractMeasurements(""))
}

// TestExtractMetadata tests the bounded identifier mapping
func TestExtractMetadata(t *testing.T) {
	text := `Project No: 24-1187
Store #4471
Client: Meridian Retail Group
Location: 2200 Commerce Pkwy, Dayton OH
Date of survey 03/14/2024`

	meta := ExtractMetadata(text)
	require.NotNil(t, meta)
	assert.Equal(t, "24-1187", meta[model.MetaProjectNumber])
	assert.Equal(t, "4471", meta[model.MetaStoreNumber])
	assert.Equal(t, "Meridian Retail Group", meta[model.MetaClientName])
	assert.Equal(t, "2200 Commerce Pkwy, Dayton OH", meta[model.MetaLocation])
	assert.Equal(t, "03/14/2024", meta[model.MetaDate])
}

// TestExtractMetadataBareProjectNumber tests the fallback NN-NNNN pattern
// without a label
func TestExtractMetadataBareProjectNumber(t *testing.T) {
	meta := ExtractMetadata("drawing 24-1187 rev C")
	require.NotNil(t, meta)
	assert.Equal(t, "24-1187", meta[model.MetaProjectNumber])
}

// TestExtractMetadataEmpty tests that no matches yields nil
func TestExtractMetadataEmpty(t *testing.T) {
	assert.Nil(t, ExtractMetadata("nothing identifying here"))
}

// TestDetectTables tests column-aligned table recognition
func TestDetectTables(t *testing.T) {
	text := `MATERIAL SCHEDULE
TPO membrane  12000  sq ft
Insulation    11000  sq ft
Fasteners     120    boxes
narrative line follows`

	tables := detectTables(text)
	require.Len(t, tables, 1)
	require.Len(t, tables[0].Rows, 3)
	assert.Equal(t, []string{"TPO membrane", "12000", "sq ft"}, tables[0].Rows[0])
}
