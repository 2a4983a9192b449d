package measure

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sort"

	"brant.roofing.org/common"
	"brant.roofing.org/config"
	"brant.roofing.org/model"
)

// region is one enclosed area found on a rendered blueprint page.
type region struct {
	areaPx   int
	bbox     model.BoundingBox
	aspect   float64
	solidity float64
}

// detectRegions finds enclosed regions on a blueprint page. The page is
// binarized so drawing ink becomes foreground, ink gaps are closed with one
// dilation pass, and every paper area not reachable from the page border is
// an enclosed region. The outermost such region is the roof outline;
// smaller ones are rooftop objects.
func detectRegions(path string, cfg config.CVConfig) ([]region, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open page image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode page image: %v: %w", err, common.ErrInvalidPDF)
	}

	gray := toGray(img)
	ink := binarize(gray, inkThreshold(gray))
	ink.union(sobelEdges(gray, cfg.CannyLow, cfg.CannyHigh))
	dilate(ink)

	regions := enclosedRegions(ink)

	var kept []region
	for _, r := range regions {
		if float64(r.areaPx) < cfg.MinContourArea {
			continue
		}
		if r.solidity < cfg.MinSolidity {
			continue
		}
		kept = append(kept, r)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].areaPx > kept[j].areaPx })

	// The aspect bounds pick the roof outline; a boundary stretched far
	// beyond them is a table or a title block, not a roof. Elongated
	// interior regions stay, walkways are exactly that shape.
	outline := -1
	for i, r := range kept {
		if r.aspect >= cfg.AspectMin && r.aspect <= cfg.AspectMax {
			outline = i
			break
		}
	}
	if outline == -1 {
		return nil, nil
	}

	out := make([]region, 0, len(kept))
	out = append(out, kept[outline])
	for i, r := range kept {
		if i != outline {
			out = append(out, r)
		}
	}
	return out, nil
}

// bitmap is a packed boolean raster.
type bitmap struct {
	w, h int
	bits []bool
}

func newBitmap(w, h int) *bitmap {
	return &bitmap{w: w, h: h, bits: make([]bool, w*h)}
}

func (b *bitmap) at(x, y int) bool { return b.bits[y*b.w+x] }
func (b *bitmap) set(x, y int)     { b.bits[y*b.w+x] = true }

func (b *bitmap) union(other *bitmap) {
	for i, v := range other.bits {
		if v {
			b.bits[i] = true
		}
	}
}

// sobelEdges marks pixels whose gradient magnitude clears the high
// threshold, plus weak-edge pixels above the low threshold that touch a
// strong one. Faint pencil lines survive this way without letting scanner
// noise through.
func sobelEdges(g *image.Gray, low, high float64) *bitmap {
	b := g.Bounds()
	w, h := b.Dx(), b.Dy()
	edges := newBitmap(w, h)
	weak := newBitmap(w, h)

	px := func(x, y int) float64 {
		return float64(g.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
	}
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			gx := px(x+1, y-1) + 2*px(x+1, y) + px(x+1, y+1) -
				px(x-1, y-1) - 2*px(x-1, y) - px(x-1, y+1)
			gy := px(x-1, y+1) + 2*px(x, y+1) + px(x+1, y+1) -
				px(x-1, y-1) - 2*px(x, y-1) - px(x+1, y-1)
			mag := gx*gx + gy*gy
			switch {
			case mag >= high*high:
				edges.set(x, y)
			case mag >= low*low:
				weak.set(x, y)
			}
		}
	}

	// Promote weak edges adjacent to strong ones. One sweep in each
	// direction propagates chains without full hysteresis bookkeeping.
	for pass := 0; pass < 2; pass++ {
		for y := 1; y < h-1; y++ {
			for x := 1; x < w-1; x++ {
				if !weak.at(x, y) || edges.at(x, y) {
					continue
				}
				if edges.at(x-1, y) || edges.at(x+1, y) || edges.at(x, y-1) || edges.at(x, y+1) {
					edges.set(x, y)
				}
			}
		}
	}
	return edges
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	bounds := img.Bounds()
	gray := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			gray.Set(x, y, img.At(x, y))
		}
	}
	return gray
}

// inkThreshold picks the binarization cut with Otsu's method. Blueprint
// scans vary widely in contrast; a fixed cut misses faint line work.
func inkThreshold(g *image.Gray) uint8 {
	var hist [256]int
	for _, px := range g.Pix {
		hist[px]++
	}
	total := len(g.Pix)

	var sum float64
	for i, n := range hist {
		sum += float64(i) * float64(n)
	}

	var sumB, wB float64
	var best float64
	threshold := uint8(128)
	for t := 0; t < 256; t++ {
		wB += float64(hist[t])
		if wB == 0 {
			continue
		}
		wF := float64(total) - wB
		if wF == 0 {
			break
		}
		sumB += float64(t) * float64(hist[t])
		mB := sumB / wB
		mF := (sum - sumB) / wF
		between := wB * wF * (mB - mF) * (mB - mF)
		if between > best {
			best = between
			threshold = uint8(t)
		}
	}
	return threshold
}

// binarize marks pixels darker than the threshold as ink.
func binarize(g *image.Gray, threshold uint8) *bitmap {
	b := g.Bounds()
	ink := newBitmap(b.Dx(), b.Dy())
	for y := 0; y < ink.h; y++ {
		for x := 0; x < ink.w; x++ {
			if g.GrayAt(b.Min.X+x, b.Min.Y+y).Y < threshold {
				ink.set(x, y)
			}
		}
	}
	return ink
}

// dilate grows ink by one pixel in the four cardinal directions, closing
// small gaps in scanned line work so enclosures hold.
func dilate(ink *bitmap) {
	src := make([]bool, len(ink.bits))
	copy(src, ink.bits)
	at := func(x, y int) bool {
		if x < 0 || y < 0 || x >= ink.w || y >= ink.h {
			return false
		}
		return src[y*ink.w+x]
	}
	for y := 0; y < ink.h; y++ {
		for x := 0; x < ink.w; x++ {
			if at(x, y) || at(x-1, y) || at(x+1, y) || at(x, y-1) || at(x, y+1) {
				ink.bits[y*ink.w+x] = true
			}
		}
	}
}

// enclosedRegions labels paper (non-ink) pixels. Paper reachable from the
// page border is outside every shape; the remaining paper components are
// enclosed regions. A scanline flood fill keeps memory flat even at 300 DPI.
func enclosedRegions(ink *bitmap) []region {
	const (
		unlabeled = 0
		outside   = 1
	)
	labels := make([]int32, ink.w*ink.h)

	fill := func(startX, startY int, label int32) region {
		r := region{bbox: model.BoundingBox{X: startX, Y: startY, Width: 1, Height: 1}}
		minX, minY, maxX, maxY := startX, startY, startX, startY
		stack := []image.Point{{X: startX, Y: startY}}
		labels[startY*ink.w+startX] = label
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			r.areaPx++
			if p.X < minX {
				minX = p.X
			}
			if p.X > maxX {
				maxX = p.X
			}
			if p.Y < minY {
				minY = p.Y
			}
			if p.Y > maxY {
				maxY = p.Y
			}
			for _, d := range [4]image.Point{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
				nx, ny := p.X+d.X, p.Y+d.Y
				if nx < 0 || ny < 0 || nx >= ink.w || ny >= ink.h {
					continue
				}
				idx := ny*ink.w + nx
				if labels[idx] != unlabeled || ink.bits[idx] {
					continue
				}
				labels[idx] = label
				stack = append(stack, image.Point{X: nx, Y: ny})
			}
		}
		r.bbox = model.BoundingBox{X: minX, Y: minY, Width: maxX - minX + 1, Height: maxY - minY + 1}
		if r.bbox.Height > 0 {
			r.aspect = float64(r.bbox.Width) / float64(r.bbox.Height)
		}
		if boxArea := r.bbox.Width * r.bbox.Height; boxArea > 0 {
			r.solidity = float64(r.areaPx) / float64(boxArea)
		}
		return r
	}

	// Pass 1: everything reachable from the border is outside.
	for x := 0; x < ink.w; x++ {
		for _, y := range [2]int{0, ink.h - 1} {
			if !ink.at(x, y) && labels[y*ink.w+x] == unlabeled {
				fill(x, y, outside)
			}
		}
	}
	for y := 0; y < ink.h; y++ {
		for _, x := range [2]int{0, ink.w - 1} {
			if !ink.at(x, y) && labels[y*ink.w+x] == unlabeled {
				fill(x, y, outside)
			}
		}
	}

	// Pass 2: remaining paper components are enclosed.
	var regions []region
	next := int32(outside + 1)
	for y := 0; y < ink.h; y++ {
		for x := 0; x < ink.w; x++ {
			if !ink.at(x, y) && labels[y*ink.w+x] == unlabeled {
				regions = append(regions, fill(x, y, next))
				next++
			}
		}
	}
	return regions
}
