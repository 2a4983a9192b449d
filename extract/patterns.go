package extract

import (
	"regexp"
	"strconv"
	"strings"

	"brant.roofing.org/model"
)

// measurementPattern recognizes one family of area notation in document
// text. The table drives candidate extraction; adding a notation means
// adding a row, not code.
type measurementPattern struct {
	name string
	re   *regexp.Regexp

	// confidence assigned to candidates from this pattern.
	confidence float64

	// parse converts the submatches to square feet; ok=false drops the
	// candidate.
	parse func(groups []string) (sqft float64, ok bool)
}

var measurementPatterns = []measurementPattern{
	{
		name:       "explicit_sqft",
		re:         regexp.MustCompile(`(?i)([\d,]+(?:\.\d+)?)\s*(?:sq\.?\s*\.?\s*ft|square\s+feet|sf)\b`),
		confidence: 0.9,
		parse: func(groups []string) (float64, bool) {
			v, err := parseNumber(groups[1])
			return v, err == nil && v > 0
		},
	},
	{
		name:       "area_label",
		re:         regexp.MustCompile(`(?i)(?:total\s+)?(?:roof\s+)?area[:\s]+([\d,]+(?:\.\d+)?)`),
		confidence: 0.75,
		parse: func(groups []string) (float64, bool) {
			v, err := parseNumber(groups[1])
			return v, err == nil && v > 0
		},
	},
	{
		name:       "dimensions_feet",
		re:         regexp.MustCompile(`(\d+(?:\.\d+)?)\s*'\s*[x×]\s*(\d+(?:\.\d+)?)\s*'`),
		confidence: 0.7,
		parse: func(groups []string) (float64, bool) {
			w, err1 := strconv.ParseFloat(groups[1], 64)
			h, err2 := strconv.ParseFloat(groups[2], 64)
			if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
				return 0, false
			}
			return w * h, true
		},
	},
}

// metadataPattern recognizes one project-level identifier. The recognized
// key set is bounded by the model.Meta* constants.
type metadataPattern struct {
	key string
	re  *regexp.Regexp
}

var metadataPatterns = []metadataPattern{
	{model.MetaProjectNumber, regexp.MustCompile(`(?i)(?:project|job)\s*(?:no\.?|number|#)?[:\s]+(\d{2}-\d{4})\b`)},
	{model.MetaProjectNumber, regexp.MustCompile(`\b(\d{2}-\d{4})\b`)},
	{model.MetaStoreNumber, regexp.MustCompile(`(?i)store\s*(?:no\.?|number|#)?[:\s]*(\d{3,5})\b`)},
	{model.MetaLocation, regexp.MustCompile(`(?i)(?:location|address|site)[:\s]+([^\n]{4,80})`)},
	{model.MetaClientName, regexp.MustCompile(`(?i)(?:client|customer|owner)[:\s]+([^\n]{2,60})`)},
	{model.MetaDate, regexp.MustCompile(`\b(\d{1,2}/\d{1,2}/\d{2,4})\b`)},
}

// ExtractMeasurements scans text for area candidates using the pattern
// table. Duplicate values from overlapping patterns are kept; downstream
// reconciliation sums all candidates deliberately, mirroring how estimators
// read repeated callouts.
func ExtractMeasurements(text string) []model.OcrMeasurement {
	var out []model.OcrMeasurement
	for _, p := range measurementPatterns {
		for _, m := range p.re.FindAllStringSubmatch(text, -1) {
			sqft, ok := p.parse(m)
			if !ok {
				continue
			}
			out = append(out, model.OcrMeasurement{
				SquareFeet: sqft,
				SourceSpan: strings.TrimSpace(m[0]),
				Confidence: p.confidence,
			})
		}
	}
	return dedupeMeasurements(out)
}

// dedupeMeasurements drops candidates whose value already appeared from a
// higher-confidence pattern; the same callout frequently matches both the
// explicit and label patterns.
func dedupeMeasurements(in []model.OcrMeasurement) []model.OcrMeasurement {
	seen := make(map[float64]bool, len(in))
	out := in[:0]
	for _, m := range in {
		if seen[m.SquareFeet] {
			continue
		}
		seen[m.SquareFeet] = true
		out = append(out, m)
	}
	return out
}

// ExtractMetadata populates the bounded DomainMetadata mapping from text.
// The first match per key wins.
func ExtractMetadata(text string) model.DomainMetadata {
	meta := model.DomainMetadata{}
	for _, p := range metadataPatterns {
		if _, done := meta[p.key]; done {
			continue
		}
		if m := p.re.FindStringSubmatch(text); m != nil {
			meta[p.key] = strings.TrimSpace(m[1])
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

// parseNumber parses a decimal that may carry thousands separators.
func parseNumber(s string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
}
