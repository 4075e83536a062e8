package ai

import (
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

const maxErrorBody = 4 * 1024

// Gateway speaks the OpenAI-compatible chat completions protocol, as
// exposed by the Hugging Face router.
type Gateway struct {
	Name        string
	MaxTokens   int
	Temperature float64

	client *resty.Client
	// stream has no global timeout; the caller's context bounds it.
	stream *resty.Client
}

type GatewayConfig struct {
	BaseURL     string
	Token       string
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
}

type chatCompletionReq struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
}

type chatCompletionResp struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage *Usage `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://router.huggingface.co/v1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	newClient := func() *resty.Client {
		c := resty.New().
			SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
			SetHeader("Content-Type", "application/json")
		if cfg.Token != "" {
			c.SetAuthToken(cfg.Token)
		}
		return c
	}
	return &Gateway{
		Name:        "huggingface",
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		client:      newClient().SetTimeout(cfg.Timeout),
		stream:      newClient(),
	}
}

func (g *Gateway) body(req Request, stream bool) chatCompletionReq {
	out := chatCompletionReq{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = g.MaxTokens
	}
	if out.Temperature == 0 {
		out.Temperature = g.Temperature
	}
	return out
}

func (g *Gateway) Chat(ctx context.Context, req Request) (*Completion, error) {
	if strings.TrimSpace(req.Model) == "" {
		return nil, fmt.Errorf("%s: model is required", g.Name)
	}
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(g.body(req, false)).
		Post("/chat/completions")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", g.Name, err)
	}
	if !resp.IsSuccess() {
		return nil, &StatusError{Backend: g.Name, Status: resp.StatusCode(), Body: truncate(resp.String(), maxErrorBody)}
	}

	var decoded chatCompletionResp
	if err := json.Unmarshal(resp.Body(), &decoded); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", g.Name, err)
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return nil, errors.New(decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("%s: empty response", g.Name)
	}
	return &Completion{Content: decoded.Choices[0].Message.Content, Usage: decoded.Usage}, nil
}

func (g *Gateway) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	if strings.TrimSpace(req.Model) == "" {
		return failed(fmt.Errorf("%s: model is required", g.Name))
	}
	return func(yield func(string, error) bool) {
		resp, err := g.stream.R().
			SetContext(ctx).
			SetHeader("Accept", "text/event-stream").
			SetBody(g.body(req, true)).
			SetDoNotParseResponse(true).
			Post("/chat/completions")
		if err != nil {
			yield("", fmt.Errorf("%s: %w", g.Name, err))
			return
		}
		body := resp.RawBody()
		if body == nil {
			yield("", fmt.Errorf("%s: empty body", g.Name))
			return
		}
		defer body.Close()

		if !resp.IsSuccess() {
			b, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
			yield("", &StatusError{Backend: g.Name, Status: resp.StatusCode(), Body: strings.TrimSpace(string(b))})
			return
		}

		for delta, err := range Deltas(body) {
			if !yield(delta, err) || err != nil {
				return
			}
		}
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
