// Package ocr is the adapter for the external document-OCR service. The
// service accepts an image and returns recognized text plus word boxes; the
// adapter adds timeouts and maps transport failures to the retryable
// upstream error kind.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"brant.roofing.org/common"
	"brant.roofing.org/config"
)

// Box is one recognized word with its location on the page, in pixels.
type Box struct {
	Text       string  `json:"text"`
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Confidence float64 `json:"confidence"`
}

// Result is the OCR service response.
type Result struct {
	Text  string `json:"text"`
	Boxes []Box  `json:"boxes"`
}

// Engine is the OCR contract consumed by the extraction and measurement
// stages.
type Engine interface {
	// Recognize runs OCR over one image. psmMode selects the service's
	// page-segmentation mode; language defaults to "eng" when empty.
	Recognize(ctx context.Context, imageBytes []byte, language string, psmMode int) (*Result, error)
}

// Client calls the OCR service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds an OCR client from configuration.
func NewClient(cfg config.OCRConfig) *Client {
	return &Client{
		baseURL: cfg.URL,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

// Recognize posts the image to /ocr and decodes the result. All transport
// and server-side failures are ErrUpstream: OCR outages are transient and
// the job retries.
func (c *Client) Recognize(ctx context.Context, imageBytes []byte, language string, psmMode int) (*Result, error) {
	if language == "" {
		language = "eng"
	}

	q := url.Values{}
	q.Set("language", language)
	q.Set("psm", strconv.Itoa(psmMode))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/ocr?"+q.Encode(), bytes.NewReader(imageBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to build OCR request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("OCR request failed: %v: %w", err, common.ErrUpstream)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("OCR service returned %d: %s: %w", resp.StatusCode, body, common.ErrUpstream)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode OCR response: %v: %w", err, common.ErrUpstream)
	}
	return &result, nil
}

// Ping checks service liveness for health details.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("OCR service unreachable: %w", common.ErrUpstream)
	}
	resp.Body.Close()
	return nil
}
