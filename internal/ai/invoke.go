package ai

import (
	"context"
	"strings"
)

// Invoke drains p.Stream for req, calling onChunk after every non-empty
// delta with the text accumulated so far. On error the partial text is
// returned alongside it.
func Invoke(ctx context.Context, p Provider, req Request, onChunk func(delta, full string)) (string, error) {
	var b strings.Builder
	for delta, err := range p.Stream(ctx, req) {
		if err != nil {
			return b.String(), err
		}
		if delta == "" {
			continue
		}
		b.WriteString(delta)
		if onChunk != nil {
			onChunk(delta, b.String())
		}
	}
	if err := ctx.Err(); err != nil {
		return b.String(), err
	}
	return b.String(), nil
}
