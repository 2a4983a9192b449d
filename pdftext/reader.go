// Package pdftext implements the minimal PDF reading the pipeline needs:
// page counting, encryption detection, text extraction from content streams,
// and lifting embedded page images for the vision stages.
//
// This is intentionally not a general PDF renderer. It scans indirect
// objects, inflates FlateDecode streams, and interprets only the text-show
// operators (Tj, TJ, ') — enough for the fast text path; everything else
// falls through to the OCR service.
package pdftext

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"

	"brant.roofing.org/common"
)

// Info summarizes a PDF file's structure.
type Info struct {
	PageCount int
	Encrypted bool
}

var (
	reObj       = regexp.MustCompile(`(?s)(\d+)\s+(\d+)\s+obj(.*?)endobj`)
	rePagesType = regexp.MustCompile(`/Type\s*/Pages\b`)
	rePageType  = regexp.MustCompile(`/Type\s*/Page\b`)
	reCount     = regexp.MustCompile(`/Count\s+(\d+)`)
	reEncrypt   = regexp.MustCompile(`/Encrypt\b`)
	reFlate     = regexp.MustCompile(`/Filter\s*(?:\[\s*)?/FlateDecode`)
)

// Stat reads structural metadata without decoding content streams.
// Encrypted files are detected via the /Encrypt trailer entry.
func Stat(path string) (Info, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Info{}, fmt.Errorf("failed to read pdf: %w", err)
	}
	return statBytes(raw), nil
}

func statBytes(raw []byte) Info {
	info := Info{Encrypted: reEncrypt.Match(raw)}

	// Prefer the page-tree /Count; fall back to counting page objects.
	for _, m := range reObj.FindAllSubmatch(raw, -1) {
		body := m[3]
		if rePagesType.Match(body) {
			if c := reCount.FindSubmatch(body); c != nil {
				if n, err := strconv.Atoi(string(c[1])); err == nil && n > info.PageCount {
					info.PageCount = n
				}
			}
		}
	}
	if info.PageCount == 0 {
		for _, m := range reObj.FindAllSubmatch(raw, -1) {
			if rePageType.Match(m[3]) && !rePagesType.Match(m[3]) {
				info.PageCount++
			}
		}
	}
	return info
}

// streamObject is one indirect object carrying a stream payload.
type streamObject struct {
	dict []byte // the raw <<...>> dictionary
	data []byte // stream bytes, still encoded
}

var reStream = regexp.MustCompile(`(?s)<<(.*?)>>\s*stream\r?\n`)

// streams splits raw into stream-bearing objects.
func streams(raw []byte) []streamObject {
	var out []streamObject
	for _, m := range reObj.FindAllSubmatch(raw, -1) {
		body := m[3]
		loc := reStream.FindSubmatchIndex(body)
		if loc == nil {
			continue
		}
		end := bytes.Index(body[loc[1]:], []byte("endstream"))
		if end < 0 {
			continue
		}
		data := body[loc[1] : loc[1]+end]
		// Trim the EOL the writer placed before endstream.
		data = bytes.TrimRight(data, "\r\n")
		out = append(out, streamObject{dict: body[loc[2]:loc[3]], data: data})
	}
	return out
}

// inflate decodes a FlateDecode stream. Non-flate streams are returned
// unchanged.
func inflate(obj streamObject) []byte {
	if !reFlate.Match(obj.dict) {
		return obj.data
	}
	zr, err := zlib.NewReader(bytes.NewReader(obj.data))
	if err != nil {
		return nil
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil && len(out) == 0 {
		return nil
	}
	return out
}

var (
	reTj      = regexp.MustCompile(`\(((?:\\.|[^\\()])*)\)\s*(?:Tj|')`)
	reTJArray = regexp.MustCompile(`\[((?:\\.|[^\]])*)\]\s*TJ`)
	reTJItem  = regexp.MustCompile(`\(((?:\\.|[^\\()])*)\)`)
	reImage   = regexp.MustCompile(`/Subtype\s*/Image\b`)
)

// ExtractText runs the fast text path: decode every content stream and
// collect the arguments of the text-show operators in document order.
// Returns ErrInvalidPDF wrapped kinds for encrypted files so the caller can
// classify the failure as deterministic.
func ExtractText(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read pdf: %w", err)
	}

	if reEncrypt.Match(raw) {
		return "", fmt.Errorf("password protected pdf: %w", common.ErrInvalidPDF)
	}

	var b bytes.Buffer
	for _, obj := range streams(raw) {
		if reImage.Match(obj.dict) {
			continue
		}
		decoded := inflate(obj)
		if decoded == nil {
			continue
		}
		appendShownText(&b, decoded)
	}
	return b.String(), nil
}

// appendShownText collects Tj / ' / TJ operands from one decoded content
// stream into b, one line per operator.
func appendShownText(b *bytes.Buffer, decoded []byte) {
	for _, m := range reTj.FindAllSubmatch(decoded, -1) {
		if s := unescapeLiteral(m[1]); len(s) > 0 {
			b.Write(s)
			b.WriteByte('\n')
		}
	}
	for _, arr := range reTJArray.FindAllSubmatch(decoded, -1) {
		var line []byte
		for _, item := range reTJItem.FindAllSubmatch(arr[1], -1) {
			line = append(line, unescapeLiteral(item[1])...)
		}
		if len(line) > 0 {
			b.Write(line)
			b.WriteByte('\n')
		}
	}
}

// unescapeLiteral resolves PDF string-literal escapes: \n \r \t \( \) \\ and
// octal \ddd. Unknown escapes keep the escaped character.
func unescapeLiteral(s []byte) []byte {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			out = append(out, c)
			continue
		}
		i++
		switch s[i] {
		case 'n':
			out = append(out, '\n')
		case 'r':
			out = append(out, '\r')
		case 't':
			out = append(out, '\t')
		case '(', ')', '\\':
			out = append(out, s[i])
		case '0', '1', '2', '3', '4', '5', '6', '7':
			val := int(s[i] - '0')
			for j := 0; j < 2 && i+1 < len(s) && s[i+1] >= '0' && s[i+1] <= '7'; j++ {
				i++
				val = val*8 + int(s[i]-'0')
			}
			out = append(out, byte(val))
		default:
			out = append(out, s[i])
		}
	}
	return out
}
