// Package llm is the adapter for the LLM interpretation service. It speaks
// the generateContent wire format, enforces per-call timeouts, and retries
// 429/5xx responses with exponential backoff. Callers own JSON extraction
// from the reply text; the adapter never assumes replies are pure JSON.
package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"brant.roofing.org/common"
	"brant.roofing.org/config"
)

// ImagePart is one inline image attached to a vision call.
type ImagePart struct {
	MIMEType string
	Data     []byte
}

// Client is the LLM contract consumed by the analysis, measurement, and
// interpretation stages.
type Client interface {
	// Complete sends a text prompt and returns the model's reply text.
	Complete(ctx context.Context, prompt string) (string, error)

	// CompleteVision sends a prompt plus inline images to the vision model.
	CompleteVision(ctx context.Context, prompt string, images []ImagePart) (string, error)
}

// HTTPClient implements Client over a generateContent-style REST endpoint.
type HTTPClient struct {
	baseURL     string
	apiKey      string
	model       string
	visionModel string
	maxTokens   int
	http        *http.Client

	// maxAttempts bounds the 429/5xx retry loop per call.
	maxAttempts int
}

// NewHTTPClient builds an adapter from configuration.
func NewHTTPClient(cfg config.LLMConfig) *HTTPClient {
	return &HTTPClient{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		visionModel: cfg.VisionModel,
		maxTokens:   cfg.MaxTokens,
		http:        &http.Client{Timeout: cfg.Timeout},
		maxAttempts: 3,
	}
}

// Wire types for the generateContent request/response.

type generatePart struct {
	Text       string          `json:"text,omitempty"`
	InlineData *generateInline `json:"inline_data,omitempty"`
}

type generateInline struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generateContent struct {
	Role  string         `json:"role,omitempty"`
	Parts []generatePart `json:"parts"`
}

type generateRequest struct {
	Contents         []generateContent `json:"contents"`
	GenerationConfig struct {
		MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete implements Client.
func (c *HTTPClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.generate(ctx, c.model, []generatePart{{Text: prompt}})
}

// CompleteVision implements Client.
func (c *HTTPClient) CompleteVision(ctx context.Context, prompt string, images []ImagePart) (string, error) {
	parts := []generatePart{{Text: prompt}}
	for _, img := range images {
		parts = append(parts, generatePart{InlineData: &generateInline{
			MIMEType: img.MIMEType,
			Data:     base64.StdEncoding.EncodeToString(img.Data),
		}})
	}
	return c.generate(ctx, c.visionModel, parts)
}

func (c *HTTPClient) generate(ctx context.Context, model string, parts []generatePart) (string, error) {
	reqBody := generateRequest{
		Contents: []generateContent{{Role: "user", Parts: parts}},
	}
	reqBody.GenerationConfig.MaxOutputTokens = c.maxTokens

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal LLM request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, model)

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return "", err
			}
		}

		text, retryable, err := c.doOnce(ctx, endpoint, payload)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !retryable {
			return "", err
		}
		common.Logger.WithError(err).WithField("attempt", attempt+1).Warn("LLM call failed, retrying")
	}
	return "", lastErr
}

// doOnce performs one HTTP round trip. The second return value reports
// whether the failure class is retryable (429 and 5xx are; 4xx is not).
func (c *HTTPClient) doOnce(ctx context.Context, endpoint string, payload []byte) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", false, fmt.Errorf("failed to build LLM request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-goog-api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("LLM request failed: %v: %w", err, common.ErrUpstream)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", true, fmt.Errorf("failed to read LLM response: %v: %w", err, common.ErrUpstream)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// Decoded below.
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", true, fmt.Errorf("LLM service returned %d: %w", resp.StatusCode, common.ErrUpstream)
	default:
		return "", false, fmt.Errorf("LLM service rejected request (%d): %s: %w",
			resp.StatusCode, truncate(string(body), 256), common.ErrUpstream)
	}

	var decoded generateResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", false, fmt.Errorf("failed to decode LLM response: %v: %w", err, common.ErrUpstream)
	}
	if decoded.Error != nil {
		return "", false, fmt.Errorf("LLM error %d: %s: %w", decoded.Error.Code, decoded.Error.Message, common.ErrUpstream)
	}
	if len(decoded.Candidates) == 0 {
		return "", false, fmt.Errorf("LLM returned no candidates: %w", common.ErrUpstream)
	}

	var b strings.Builder
	for _, part := range decoded.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return b.String(), false, nil
}

// sleepBackoff waits 1s, 2s, 4s... with ±20% jitter, honoring ctx.
func sleepBackoff(ctx context.Context, attempt int) error {
	base := time.Second << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(base) / 5))
	select {
	case <-time.After(base + jitter):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LoadImagePart reads an image file into an inline part, inferring the MIME
// type from the extension.
func LoadImagePart(path string) (ImagePart, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ImagePart{}, fmt.Errorf("failed to read image: %w", err)
	}
	mime := "image/png"
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".jpg" || ext == ".jpeg" {
		mime = "image/jpeg"
	}
	return ImagePart{MIMEType: mime, Data: data}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
