package pdftext

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"brant.roofing.org/model"
)

var (
	reDCT    = regexp.MustCompile(`/Filter\s*(?:\[\s*)?/DCTDecode`)
	reWidth  = regexp.MustCompile(`/Width\s+(\d+)`)
	reHeight = regexp.MustCompile(`/Height\s+(\d+)`)
	reGray   = regexp.MustCompile(`/ColorSpace\s*/DeviceGray\b`)
	reRGB    = regexp.MustCompile(`/ColorSpace\s*/DeviceRGB\b`)
	reBits   = regexp.MustCompile(`/BitsPerComponent\s+(\d+)`)
)

// ExtractImages lifts embedded image XObjects into destDir and returns one
// ExtractedImage per usable image, in document order. JPEG (DCTDecode)
// payloads are written through untouched; flate-compressed gray/RGB rasters
// are re-encoded as PNG. Images with unsupported encodings are skipped.
//
// The page index is approximated by encounter order; blueprint sets in the
// wild are one drawing per page, which is what downstream consumers rely on.
func ExtractImages(path, destDir string, dpi int) ([]model.ExtractedImage, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pdf: %w", err)
	}

	var out []model.ExtractedImage
	idx := 0
	for _, obj := range streams(raw) {
		if !reImage.Match(obj.dict) {
			continue
		}

		var (
			dest string
			werr error
		)
		switch {
		case reDCT.Match(obj.dict):
			dest = filepath.Join(destDir, fmt.Sprintf("page-%03d.jpg", idx))
			werr = os.WriteFile(dest, obj.data, 0o600)
		default:
			img := decodeRaster(obj)
			if img == nil {
				continue
			}
			dest = filepath.Join(destDir, fmt.Sprintf("page-%03d.png", idx))
			werr = writePNG(dest, img)
		}
		if werr != nil {
			return nil, fmt.Errorf("failed to write page image: %w", werr)
		}

		out = append(out, model.ExtractedImage{PageIndex: idx, Path: dest, DPI: dpi})
		idx++
	}
	return out, nil
}

// decodeRaster reconstructs a flate-compressed 8-bit gray or RGB raster.
func decodeRaster(obj streamObject) image.Image {
	w := dictInt(reWidth, obj.dict)
	h := dictInt(reHeight, obj.dict)
	bits := dictInt(reBits, obj.dict)
	if w <= 0 || h <= 0 || bits != 8 {
		return nil
	}

	pixels := inflate(obj)
	if pixels == nil {
		return nil
	}

	switch {
	case reGray.Match(obj.dict) && len(pixels) >= w*h:
		img := image.NewGray(image.Rect(0, 0, w, h))
		copy(img.Pix, pixels[:w*h])
		return img
	case reRGB.Match(obj.dict) && len(pixels) >= w*h*3:
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				off := (y*w + x) * 3
				img.SetRGBA(x, y, color.RGBA{
					R: pixels[off],
					G: pixels[off+1],
					B: pixels[off+2],
					A: 0xff,
				})
			}
		}
		return img
	}
	return nil
}

func dictInt(re *regexp.Regexp, dict []byte) int {
	m := re.FindSubmatch(dict)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return 0
	}
	return n
}

func writePNG(path string, img image.Image) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}
