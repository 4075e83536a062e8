package ai

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var ErrUnknownModel = errors.New("unknown model")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Completion struct {
	Content string
	Usage   *Usage
}

// Provider talks to one model backend.
//
// Stream returns a lazy sequence of text deltas. Nothing is sent upstream
// until the sequence is ranged over, and every range issues a new request.
// A non-nil error is always the last element yielded.
type Provider interface {
	Chat(ctx context.Context, req Request) (*Completion, error)
	Stream(ctx context.Context, req Request) iter.Seq2[string, error]
}

// StatusError is returned when a backend answers with a non-2xx status.
type StatusError struct {
	Backend string
	Status  int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: API Error: %d - %s", e.Backend, e.Status, e.Body)
}

// ModelName is the display name of a model id: its last path segment.
func ModelName(modelID string) string {
	if i := strings.LastIndex(modelID, "/"); i >= 0 && i < len(modelID)-1 {
		return modelID[i+1:]
	}
	return modelID
}

// LastUserPrompt returns the content of the final user message.
func LastUserPrompt(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

func failed(err error) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield("", err)
	}
}
