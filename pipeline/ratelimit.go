package pipeline

import (
	"context"

	"golang.org/x/time/rate"

	"brant.roofing.org/llm"
	"brant.roofing.org/ocr"
)

// RateLimitedLLM bounds LLM calls per worker process with a token bucket.
// When tokens run out the caller suspends on the stage context, so the wait
// is capped by the stage timeout.
type RateLimitedLLM struct {
	inner   llm.Client
	limiter *rate.Limiter
}

// NewRateLimitedLLM wraps client at the given sustained rate. A rate of
// zero or below disables limiting.
func NewRateLimitedLLM(client llm.Client, perSecond float64) llm.Client {
	if perSecond <= 0 {
		return client
	}
	return &RateLimitedLLM{
		inner:   client,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
	}
}

func (r *RateLimitedLLM) Complete(ctx context.Context, prompt string) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return r.inner.Complete(ctx, prompt)
}

func (r *RateLimitedLLM) CompleteVision(ctx context.Context, prompt string, images []llm.ImagePart) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return r.inner.CompleteVision(ctx, prompt, images)
}

// RateLimitedOCR applies the same token-bucket bound to OCR calls.
type RateLimitedOCR struct {
	inner   ocr.Engine
	limiter *rate.Limiter
}

// NewRateLimitedOCR wraps engine at the given sustained rate with a small
// burst, since extraction fires one call per page.
func NewRateLimitedOCR(engine ocr.Engine, perSecond float64) ocr.Engine {
	if perSecond <= 0 {
		return engine
	}
	return &RateLimitedOCR{
		inner:   engine,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 4),
	}
}

func (r *RateLimitedOCR) Recognize(ctx context.Context, imageBytes []byte, language string, psmMode int) (*ocr.Result, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.Recognize(ctx, imageBytes, language, psmMode)
}
