// Package extract implements pipeline stage 2: pulling text, images, and
// structured content out of a validated PDF. The fast path reads embedded
// text directly; OCR always runs over the page images as well, since scanned
// blueprints carry their callouts in raster form. Both sources are merged
// before pattern extraction.
package extract

import (
	"context"
	"fmt"
	"os"
	"strings"

	"brant.roofing.org/common"
	"brant.roofing.org/config"
	"brant.roofing.org/model"
	"brant.roofing.org/ocr"
	"brant.roofing.org/pdftext"
)

// Extractor runs stage 2.
type Extractor struct {
	engine       ocr.Engine
	blueprintDPI int
	defaultDPI   int
}

// New builds an Extractor over the given OCR engine.
func New(engine ocr.Engine, cfg config.OCRConfig) *Extractor {
	return &Extractor{
		engine:       engine,
		blueprintDPI: cfg.BlueprintDPI,
		defaultDPI:   cfg.DefaultDPI,
	}
}

// ocrPageLimit bounds OCR work per document. Commercial roofing packets
// front-load the plan sheets; pages past this limit rarely add signal.
const ocrPageLimit = 20

// Extract pulls content from the PDF at path. Page images land under
// scratchDir and stay there for the measurement stage; the caller owns
// scratch cleanup.
func (e *Extractor) Extract(ctx context.Context, path string, kind model.DocumentKind, scratchDir string) (*model.ExtractedContent, error) {
	info, err := pdftext.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect document: %w", err)
	}
	if info.Encrypted {
		return nil, fmt.Errorf("document is password protected: %w", common.ErrInvalidPDF)
	}
	if info.PageCount == 0 {
		return nil, fmt.Errorf("document has no pages: %w", common.ErrInsufficientData)
	}

	content := &model.ExtractedContent{}

	// Fast path: embedded text. Failure here is not fatal; scanned
	// documents legitimately have none.
	text, err := pdftext.ExtractText(path)
	if err != nil {
		common.Logger.WithError(err).Debug("no embedded text, relying on OCR")
	}
	hasEmbedded := strings.TrimSpace(text) != ""

	dpi := e.defaultDPI
	if kind == model.KindBlueprint {
		dpi = e.blueprintDPI
	}

	images, err := pdftext.ExtractImages(path, scratchDir, dpi)
	if err != nil {
		common.Logger.WithError(err).Warn("image extraction failed")
	}
	content.Images = images

	ocrText, ocrErr := e.recognizeAll(ctx, images, kind)

	switch {
	case hasEmbedded && ocrText != "":
		content.Text = text + "\n" + ocrText
		content.Method = model.MethodMerged
	case hasEmbedded:
		content.Text = text
		content.Method = model.MethodPDFText
	case ocrText != "":
		content.Text = ocrText
		content.Method = model.MethodOCR
	default:
		if ocrErr != nil {
			// No embedded text and OCR is down: the job should retry.
			return nil, fmt.Errorf("no readable content: %w", ocrErr)
		}
		return nil, fmt.Errorf("no readable pages in document: %w", common.ErrInsufficientData)
	}

	content.Measurements = ExtractMeasurements(content.Text)
	content.Metadata = ExtractMetadata(content.Text)
	content.Tables = detectTables(content.Text)
	content.Confidence = extractionConfidence(content)

	return content, nil
}

// recognizeAll OCRs each page image and concatenates the recognized text.
// Individual page failures are tolerated; only a total failure is reported.
func (e *Extractor) recognizeAll(ctx context.Context, images []model.ExtractedImage, kind model.DocumentKind) (string, error) {
	if e.engine == nil || len(images) == 0 {
		return "", nil
	}

	// Sparse page-segmentation mode suits plan sheets with scattered
	// callouts; dense documents read better with full-page layout.
	psm := 3
	if kind == model.KindBlueprint {
		psm = 11
	}

	var b strings.Builder
	var lastErr error
	failures := 0
	limit := len(images)
	if limit > ocrPageLimit {
		limit = ocrPageLimit
	}
	for _, img := range images[:limit] {
		if err := ctx.Err(); err != nil {
			return b.String(), err
		}
		raw, err := os.ReadFile(img.Path)
		if err != nil {
			failures++
			lastErr = err
			continue
		}
		result, err := e.engine.Recognize(ctx, raw, "eng", psm)
		if err != nil {
			failures++
			lastErr = err
			common.Logger.WithError(err).WithField("page", img.PageIndex).Warn("OCR failed for page")
			continue
		}
		if strings.TrimSpace(result.Text) != "" {
			b.WriteString(result.Text)
			b.WriteString("\n")
		}
	}
	if b.Len() == 0 && failures == limit && lastErr != nil {
		return "", lastErr
	}
	return strings.TrimSpace(b.String()), nil
}

// detectTables recognizes simple column-aligned tables: two or more
// consecutive lines with the same count of multi-space-separated cells.
func detectTables(text string) []model.Table {
	lines := strings.Split(text, "\n")
	var tables []model.Table
	var rows [][]string

	flush := func() {
		if len(rows) >= 2 {
			tables = append(tables, model.Table{Rows: rows})
		}
		rows = nil
	}

	for _, line := range lines {
		cells := splitCells(line)
		if len(cells) >= 2 && (len(rows) == 0 || len(cells) == len(rows[len(rows)-1])) {
			rows = append(rows, cells)
			continue
		}
		flush()
		if len(cells) >= 2 {
			rows = append(rows, cells)
		}
	}
	flush()
	return tables
}

func splitCells(line string) []string {
	var cells []string
	for _, cell := range strings.Split(line, "  ") {
		if c := strings.TrimSpace(cell); c != "" {
			cells = append(cells, c)
		}
	}
	return cells
}

// extractionConfidence scores the stage output. Merged sources score
// highest; thin text drags the score down.
func extractionConfidence(c *model.ExtractedContent) float64 {
	var base float64
	switch c.Method {
	case model.MethodMerged:
		base = 0.9
	case model.MethodPDFText:
		base = 0.85
	case model.MethodOCR:
		base = 0.7
	}
	if len(c.Text) < 200 {
		base -= 0.2
	}
	if len(c.Measurements) > 0 {
		base += 0.05
	}
	if base < 0.1 {
		base = 0.1
	}
	if base > 0.99 {
		base = 0.99
	}
	return base
}
