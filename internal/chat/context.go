package chat

import (
	"context"
	"log/slog"

	"github.com/suPer8Hu/ai-relay/internal/ai"
	"github.com/suPer8Hu/ai-relay/internal/identity"
)

// AssistantVoice decides what a past AI turn contributes to the history
// sent to a model.
type AssistantVoice interface {
	Voice(t Turn) (string, bool)
}

// FirstModelVoice replays the first model's answer as the assistant side
// of the conversation, for every model in the fan-out.
type FirstModelVoice struct{}

func (FirstModelVoice) Voice(t Turn) (string, bool) {
	if len(t.Responses) == 0 || t.Responses[0].Content == "" {
		return "", false
	}
	return t.Responses[0].Content, true
}

type Query struct {
	SessionID string
	Prompt    string
	// PendingMessageID is the stored turn of Prompt itself, skipped when
	// reading history so the prompt is not sent twice.
	PendingMessageID string
}

type ContextBuilder struct {
	stores Stores
	window int
	voice  AssistantVoice
	log    *slog.Logger
}

func NewContextBuilder(stores Stores, window int, voice AssistantVoice, log *slog.Logger) *ContextBuilder {
	if window <= 0 || window > 100 {
		window = 10
	}
	if voice == nil {
		voice = FirstModelVoice{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &ContextBuilder{stores: stores, window: window, voice: voice, log: log}
}

// Build returns the chronological history to send every model: prior
// turns mapped to user/assistant messages, then the new prompt, keeping
// only the last window messages. When history cannot be read the prompt
// is sent alone.
func (b *ContextBuilder) Build(ctx context.Context, id identity.Identity, q Query) []ai.Message {
	prompt := ai.Message{Role: ai.RoleUser, Content: q.Prompt}

	st := b.stores.For(id)
	if st == nil {
		return []ai.Message{prompt}
	}
	turns, err := st.RecentTurns(ctx, q.SessionID, b.window*2)
	if err != nil {
		b.log.Warn("context history unavailable", "session_id", q.SessionID, "err", err)
		return []ai.Message{prompt}
	}

	msgs := make([]ai.Message, 0, len(turns)+1)
	for _, t := range turns {
		if q.PendingMessageID != "" && t.MessageID == q.PendingMessageID {
			continue
		}
		switch t.Role {
		case RoleUser:
			if t.Content != "" {
				msgs = append(msgs, ai.Message{Role: ai.RoleUser, Content: t.Content})
			}
		case RoleAI:
			if text, ok := b.voice.Voice(t); ok {
				msgs = append(msgs, ai.Message{Role: ai.RoleAssistant, Content: text})
			}
		}
	}
	msgs = append(msgs, prompt)
	if len(msgs) > b.window {
		msgs = msgs[len(msgs)-b.window:]
	}
	return msgs
}
