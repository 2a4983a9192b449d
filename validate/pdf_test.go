package validate

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brant.roofing.org/common"
)

// minimalPDF returns the smallest byte sequence that passes the structural
// checks, padded to the requested size.
func minimalPDF(size int) []byte {
	head := []byte("%PDF-1.4\n")
	tail := []byte("\nstartxref\n0\n%%EOF\n")
	body := size - len(head) - len(tail)
	if body < 0 {
		body = 0
	}
	out := make([]byte, 0, size)
	out = append(out, head...)
	out = append(out, bytes.Repeat([]byte{' '}, body)...)
	return append(out, tail...)
}

// TestCopyAcceptsValidPDF tests the happy streaming path
func TestCopyAcceptsValidPDF(t *testing.T) {
	v := New(1 << 20)
	var dst bytes.Buffer
	content := minimalPDF(200 * 1024) // spans multiple chunks

	name, n, err := v.Copy(&dst, bytes.NewReader(content), "site plan.PDF")
	require.NoError(t, err)
	assert.Equal(t, "site_plan.pdf", name)
	assert.Equal(t, int64(len(content)), n)
	assert.Equal(t, content, dst.Bytes())
}

// TestCopyRejectsOversized tests the observed-size cap, not the declared one
func TestCopyRejectsOversized(t *testing.T) {
	v := New(1024)
	var dst bytes.Buffer

	_, _, err := v.Copy(&dst, bytes.NewReader(minimalPDF(4096)), "big.pdf")
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrTooLarge))
}

// TestCopyRejectsBadMagic tests a JPEG renamed to .pdf
func TestCopyRejectsBadMagic(t *testing.T) {
	v := New(1 << 20)
	var dst bytes.Buffer
	jpeg := append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, bytes.Repeat([]byte{0}, 64)...)

	_, _, err := v.Copy(&dst, bytes.NewReader(jpeg), "photo.pdf")
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrInvalidPDF))
}

// TestCopyRejectsMissingTrailer tests truncated files without %%EOF
func TestCopyRejectsMissingTrailer(t *testing.T) {
	v := New(1 << 20)
	var dst bytes.Buffer

	_, _, err := v.Copy(&dst, strings.NewReader("%PDF-1.4\nno trailer here"), "cut.pdf")
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrInvalidPDF))

	// %%EOF present but no startxref before it.
	_, _, err = v.Copy(&dst, strings.NewReader("%PDF-1.4\nstuff\n%%EOF"), "cut.pdf")
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrInvalidPDF))
}

// TestCopyRejectsTinyStream tests streams shorter than the magic
func TestCopyRejectsTinyStream(t *testing.T) {
	v := New(1 << 20)
	var dst bytes.Buffer

	_, _, err := v.Copy(&dst, strings.NewReader("%PD"), "tiny.pdf")
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrInvalidPDF))
}

// TestSanitizeFilename exercises the sanitization table
func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"report.pdf", "report.pdf", false},
		{"Site Plan 2024.pdf", "Site_Plan_2024.pdf", false},
		{"../../etc/passwd", "passwd.pdf", false},
		{`C:\Users\bob\roof.pdf`, "roof.pdf", false},
		{"scan.jpeg", "scan.pdf", false},
		{".hidden.pdf", "hidden.pdf", false},
		{"weird<>|chars?.pdf", "weirdchars.pdf", false},
		{"...", "", true},
		{"", "", true},
		{strings.Repeat("a", 300) + ".pdf", strings.Repeat("a", 251) + ".pdf", false},
	}

	for _, tc := range tests {
		got, err := SanitizeFilename(tc.in)
		if tc.wantErr {
			require.Error(t, err, "input %q", tc.in)
			assert.True(t, errors.Is(err, common.ErrValidation))
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, got, "input %q", tc.in)
	}
}
