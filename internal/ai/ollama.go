package ai

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// OllamaProvider serves models addressed as "ollama/<name>" from a local
// Ollama daemon.
type OllamaProvider struct {
	client *resty.Client
	stream *resty.Client
}

type ollamaChatReq struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatResp struct {
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	EvalCount       int     `json:"eval_count"`
	Error           string  `json:"error,omitempty"`
}

func NewOllamaProvider(baseURL string, timeout time.Duration) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return &OllamaProvider{
		client: resty.New().SetBaseURL(baseURL).SetTimeout(timeout),
		stream: resty.New().SetBaseURL(baseURL),
	}
}

func ollamaBody(req Request, stream bool) ollamaChatReq {
	body := ollamaChatReq{Model: req.Model, Messages: req.Messages, Stream: stream}
	opts := map[string]any{}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		opts["temperature"] = req.Temperature
	}
	if len(opts) > 0 {
		body.Options = opts
	}
	return body
}

func (p *OllamaProvider) Chat(ctx context.Context, req Request) (*Completion, error) {
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(ollamaBody(req, false)).
		Post("/api/chat")
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, &StatusError{Backend: "ollama", Status: resp.StatusCode(), Body: truncate(resp.String(), maxErrorBody)}
	}

	var decoded ollamaChatResp
	if err := json.Unmarshal(resp.Body(), &decoded); err != nil {
		return nil, fmt.Errorf("ollama: decode response: %w", err)
	}
	if decoded.Error != "" {
		return nil, errors.New(decoded.Error)
	}
	return &Completion{
		Content: decoded.Message.Content,
		Usage: &Usage{
			PromptTokens:     decoded.PromptEvalCount,
			CompletionTokens: decoded.EvalCount,
			TotalTokens:      decoded.PromptEvalCount + decoded.EvalCount,
		},
	}, nil
}

// Stream reads Ollama's newline-delimited JSON stream.
func (p *OllamaProvider) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resp, err := p.stream.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(ollamaBody(req, true)).
			SetDoNotParseResponse(true).
			Post("/api/chat")
		if err != nil {
			yield("", fmt.Errorf("ollama: %w", err))
			return
		}
		body := resp.RawBody()
		if body == nil {
			yield("", errors.New("ollama: empty body"))
			return
		}
		defer body.Close()

		if !resp.IsSuccess() {
			b, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
			yield("", &StatusError{Backend: "ollama", Status: resp.StatusCode(), Body: strings.TrimSpace(string(b))})
			return
		}

		sc := bufio.NewScanner(body)
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			var decoded ollamaChatResp
			if err := json.Unmarshal([]byte(line), &decoded); err != nil {
				continue
			}
			if decoded.Error != "" {
				yield("", errors.New(decoded.Error))
				return
			}
			if decoded.Message.Content != "" && !yield(decoded.Message.Content, nil) {
				return
			}
			if decoded.Done {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield("", err)
		}
	}
}
