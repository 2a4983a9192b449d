package llm

import (
	"context"
)

// MockClient returns canned replies for tests. Replies are consumed in
// order; the last one repeats.
type MockClient struct {
	Replies       []string
	VisionReplies []string
	Err           error

	Calls       int
	VisionCalls int
	LastPrompt  string
}

// Complete returns the next canned text reply.
func (m *MockClient) Complete(ctx context.Context, prompt string) (string, error) {
	m.Calls++
	m.LastPrompt = prompt
	if m.Err != nil {
		return "", m.Err
	}
	return pick(m.Replies, m.Calls), nil
}

// CompleteVision returns the next canned vision reply.
func (m *MockClient) CompleteVision(ctx context.Context, prompt string, images []ImagePart) (string, error) {
	m.VisionCalls++
	m.LastPrompt = prompt
	if m.Err != nil {
		return "", m.Err
	}
	return pick(m.VisionReplies, m.VisionCalls), nil
}

func pick(replies []string, call int) string {
	if len(replies) == 0 {
		return ""
	}
	idx := call - 1
	if idx >= len(replies) {
		idx = len(replies) - 1
	}
	return replies[idx]
}
