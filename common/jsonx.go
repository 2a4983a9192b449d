package common

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSONObject locates the first balanced {...} span in text and returns
// it. LLM replies frequently wrap JSON in prose or markdown fences, so the
// scanner tracks string literals and escape sequences rather than counting
// raw braces.
//
// Returns an error when no balanced object is found.
func ExtractJSONObject(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", fmt.Errorf("no JSON object in reply")
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		c := text[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}

	return "", fmt.Errorf("unbalanced JSON object in reply")
}

// DecodeJSONObject extracts the first balanced JSON object from text and
// unmarshals it strictly into target. Unknown fields are rejected so that a
// model hallucinating extra keys fails loudly instead of silently.
func DecodeJSONObject(text string, target interface{}) error {
	raw, err := ExtractJSONObject(text)
	if err != nil {
		return err
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("failed to decode JSON object: %w", err)
	}
	return nil
}
