package ai

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"strings"
)

const doneSentinel = "[DONE]"

type streamFrame struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Deltas parses an OpenAI-compatible event stream into content deltas.
// Frames may arrive split across reads; a trailing frame without a final
// newline is still parsed. Malformed frames are skipped and [DONE] ends
// the sequence. An explicit error frame ends it with an error.
func Deltas(r io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		br := bufio.NewReaderSize(r, 64*1024)
		for {
			line, readErr := br.ReadString('\n')
			if line != "" {
				delta, done, err := parseFrame(line)
				if err != nil {
					yield("", err)
					return
				}
				if done {
					return
				}
				if delta != "" && !yield(delta, nil) {
					return
				}
			}
			if readErr != nil {
				if !errors.Is(readErr, io.EOF) {
					yield("", readErr)
				}
				return
			}
		}
	}
}

func parseFrame(line string) (delta string, done bool, err error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "data:") {
		return "", false, nil
	}
	data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if data == doneSentinel {
		return "", true, nil
	}
	var f streamFrame
	if json.Unmarshal([]byte(data), &f) != nil {
		return "", false, nil
	}
	if f.Error != nil && f.Error.Message != "" {
		return "", false, errors.New(f.Error.Message)
	}
	if len(f.Choices) == 0 {
		return "", false, nil
	}
	return f.Choices[0].Delta.Content, false, nil
}
