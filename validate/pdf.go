// Package validate implements streaming PDF validation for the ingest path:
// size-cap enforcement while copying, magic-byte and trailer checks, and
// filename sanitization.
package validate

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"

	"brant.roofing.org/common"
)

const (
	pdfMagic = "%PDF-"

	// trailerWindow is how many trailing bytes are scanned for the
	// startxref / %%EOF pair. Real-world producers keep the trailer well
	// inside 2 KiB, but damaged files pad it, so the window is generous.
	trailerWindow = 4096

	chunkSize = 64 * 1024

	// MaxFilenameBytes bounds the sanitized filename length in UTF-8 bytes.
	MaxFilenameBytes = 255
)

// Validator streams PDF content through structural checks while enforcing
// the configured size cap.
type Validator struct {
	// MaxBytes is the upload size cap. Zero means no cap, which is only
	// used by tests.
	MaxBytes int64
}

// New returns a Validator with the given size cap.
func New(maxBytes int64) *Validator {
	return &Validator{MaxBytes: maxBytes}
}

// Copy streams r into dst in bounded chunks, validating as it goes.
// It returns the sanitized filename and the observed byte count.
//
// Validation order:
//  1. The size cap is enforced on observed bytes, not a declared length, so
//     a lying Content-Length cannot bypass it.
//  2. After the first five bytes, the %PDF- magic must be present.
//  3. At EOF, the trailing window must contain startxref followed by %%EOF.
//
// On any failure the caller owns removing whatever was written to dst.
func (v *Validator) Copy(dst io.Writer, r io.Reader, declaredName string) (string, int64, error) {
	name, err := SanitizeFilename(declaredName)
	if err != nil {
		return "", 0, err
	}

	var (
		total   int64
		head    []byte // first bytes, for the magic check
		tail    []byte // sliding trailing window, for the trailer check
		checked bool
	)
	buf := make([]byte, chunkSize)

	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			total += int64(n)
			if v.MaxBytes > 0 && total > v.MaxBytes {
				return "", total, fmt.Errorf("upload exceeds %s cap: %w",
					humanize.IBytes(uint64(v.MaxBytes)), common.ErrTooLarge)
			}

			if !checked {
				head = append(head, buf[:n]...)
				if len(head) >= len(pdfMagic) {
					if !bytes.HasPrefix(head, []byte(pdfMagic)) {
						return "", total, fmt.Errorf("missing %%PDF- magic: %w", common.ErrInvalidPDF)
					}
					checked = true
					head = nil
				}
			}

			tail = append(tail, buf[:n]...)
			if len(tail) > trailerWindow {
				tail = tail[len(tail)-trailerWindow:]
			}

			if _, werr := dst.Write(buf[:n]); werr != nil {
				return "", total, fmt.Errorf("failed to write upload: %w", werr)
			}
		}

		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", total, fmt.Errorf("failed to read upload: %w", rerr)
		}
	}

	if !checked {
		// Stream ended before five bytes arrived.
		return "", total, fmt.Errorf("truncated file: %w", common.ErrInvalidPDF)
	}
	if err := checkTrailer(tail); err != nil {
		return "", total, err
	}

	return name, total, nil
}

// checkTrailer requires a %%EOF token preceded by startxref inside the
// trailing window.
func checkTrailer(tail []byte) error {
	eof := bytes.LastIndex(tail, []byte("%%EOF"))
	if eof < 0 {
		return fmt.Errorf("missing %%%%EOF trailer: %w", common.ErrInvalidPDF)
	}
	if !bytes.Contains(tail[:eof], []byte("startxref")) {
		return fmt.Errorf("missing startxref before %%%%EOF: %w", common.ErrInvalidPDF)
	}
	return nil
}

// SanitizeFilename coerces a client-supplied filename into a safe form:
// path separators and control characters are stripped, leading dots removed,
// the alphabet restricted to [A-Za-z0-9._-], and the .pdf extension enforced.
func SanitizeFilename(name string) (string, error) {
	// Drop any directory component, both unix and windows style.
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '_', r == '-':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		default:
			// Control characters and anything exotic are dropped.
		}
	}

	clean := strings.TrimLeft(b.String(), ".")
	base := strings.TrimSuffix(clean, path.Ext(clean))
	if base == "" {
		return "", fmt.Errorf("empty filename after sanitization: %w", common.ErrValidation)
	}

	out := base + ".pdf"
	for len(out) > MaxFilenameBytes {
		_, size := utf8.DecodeLastRuneInString(base)
		base = base[:len(base)-size]
		if base == "" {
			return "", fmt.Errorf("filename too long: %w", common.ErrValidation)
		}
		out = base + ".pdf"
	}

	return out, nil
}
