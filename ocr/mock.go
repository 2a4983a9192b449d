package ocr

import (
	"context"
)

// MockEngine is a canned OCR engine for tests.
type MockEngine struct {
	// Results are returned in order; the last one repeats.
	Results []*Result
	Err     error

	Calls int
}

// Recognize returns the next canned result.
func (m *MockEngine) Recognize(ctx context.Context, imageBytes []byte, language string, psmMode int) (*Result, error) {
	m.Calls++
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Results) == 0 {
		return &Result{}, nil
	}
	idx := m.Calls - 1
	if idx >= len(m.Results) {
		idx = len(m.Results) - 1
	}
	return m.Results[idx], nil
}
