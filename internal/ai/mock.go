package ai

import (
	"context"
	"fmt"
	"iter"
	"math/rand/v2"
	"time"
)

// MockProvider answers every model with canned markdown, streamed in
// small random chunks.
type MockProvider struct {
	MinDelay time.Duration
	MaxDelay time.Duration
}

func NewMockProvider() *MockProvider {
	return &MockProvider{MinDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond}
}

// MockResponse is the full text the mock produces for modelID and prompt.
func MockResponse(modelID, prompt string) string {
	excerpt := []rune(prompt)
	if len(excerpt) > 50 {
		excerpt = excerpt[:50]
	}
	return fmt.Sprintf("This is a mock response from **%s** for your query:\n\n\"%s...\"\n\n"+
		"### Key Points:\n1. First point about your question\n2. Second relevant insight\n3. Third consideration\n\n"+
		"_Response generated in mock mode._", ModelName(modelID), string(excerpt))
}

func (m *MockProvider) Chat(ctx context.Context, req Request) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Completion{Content: MockResponse(req.Model, LastUserPrompt(req.Messages))}, nil
}

func (m *MockProvider) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		text := []rune(MockResponse(req.Model, LastUserPrompt(req.Messages)))
		for i := 0; i < len(text); {
			n := 2 + rand.IntN(5)
			end := min(i+n, len(text))
			if err := m.pause(ctx); err != nil {
				yield("", err)
				return
			}
			if !yield(string(text[i:end]), nil) {
				return
			}
			i = end
		}
	}
}

func (m *MockProvider) pause(ctx context.Context) error {
	d := m.MinDelay
	if m.MaxDelay > m.MinDelay {
		d += rand.N(m.MaxDelay - m.MinDelay)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
