package measure

import (
	"regexp"
	"strconv"
)

// Scale converts page pixels to real-world feet.
type Scale struct {
	// FeetPerInch is the drawing ratio, e.g. 8 for a 1/8"=1'-0" plan.
	FeetPerInch float64

	// Annotation is the matched source text, for audit.
	Annotation string
}

// PixelsPerFoot converts the drawing ratio to raster units for a page
// rendered at the given DPI.
func (s Scale) PixelsPerFoot(dpi int) float64 {
	if s.FeetPerInch <= 0 {
		return 0
	}
	return float64(dpi) / s.FeetPerInch
}

// Architectural scale notations, most specific first. Fractional-inch forms
// like 1/8" = 1'-0" dominate commercial plans; engineering plans use the
// 1" = 30' form; title blocks occasionally carry a bare ratio like 1:240.
var scalePatterns = []struct {
	re    *regexp.Regexp
	parse func(groups []string) float64
}{
	{
		// 1/8" = 1'-0"  or  3/32" = 1'
		regexp.MustCompile(`(\d+)\s*/\s*(\d+)\s*(?:"|”|in\.?)\s*=\s*1\s*'(?:\s*-\s*0\s*"?)?`),
		func(g []string) float64 {
			num, _ := strconv.ParseFloat(g[1], 64)
			den, _ := strconv.ParseFloat(g[2], 64)
			if num <= 0 || den <= 0 {
				return 0
			}
			// num/den inches represent one foot.
			return den / num
		},
	},
	{
		// 1" = 30'
		regexp.MustCompile(`1\s*(?:"|”|in\.?)\s*=\s*(\d+(?:\.\d+)?)\s*'`),
		func(g []string) float64 {
			v, _ := strconv.ParseFloat(g[1], 64)
			return v
		},
	},
	{
		// SCALE 1:240 (unitless ratio; 12 drawing units per foot)
		regexp.MustCompile(`(?i)scale\s*[:\s]\s*1\s*:\s*(\d+)`),
		func(g []string) float64 {
			v, _ := strconv.ParseFloat(g[1], 64)
			return v / 12
		},
	},
}

// ParseScale finds the first scale annotation in the text. ok is false when
// no annotation parses; callers fall back to LLM vision in that case.
func ParseScale(text string) (Scale, bool) {
	for _, p := range scalePatterns {
		if m := p.re.FindStringSubmatch(text); m != nil {
			if fpi := p.parse(m); fpi > 0 {
				return Scale{FeetPerInch: fpi, Annotation: m[0]}, true
			}
		}
	}
	return Scale{}, false
}
