package llm

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"

	"github.com/nfnt/resize"
)

// ThumbnailPart reads a page image and downsizes it to the given width for
// an inline vision part. Full-resolution page renders blow the request size
// limit; around 1024 px keeps plan callouts legible.
func ThumbnailPart(path string, width uint) (ImagePart, error) {
	f, err := os.Open(path)
	if err != nil {
		return ImagePart{}, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return ImagePart{}, fmt.Errorf("failed to decode image: %w", err)
	}

	thumb := resize.Resize(width, 0, img, resize.Lanczos3)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 80}); err != nil {
		return ImagePart{}, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return ImagePart{MIMEType: "image/jpeg", Data: buf.Bytes()}, nil
}
