package broadcast

import "time"

// Outbound event names.
const (
	EventSessionJoined        = "session_joined"
	EventSessionHistory       = "session_history"
	EventHistoryChunk         = "history_chunk"
	EventMessageSaved         = "message_saved"
	EventUserMessage          = "user_message"
	EventStreamingStarted     = "streaming_started"
	EventModelStreamingStart  = "model_streaming_start"
	EventMessageChunk         = "message_chunk"
	EventModelStreamingDone   = "model_streaming_complete"
	EventModelError           = "model_error"
	EventAllResponsesComplete = "all_responses_complete"
	EventTypingStarted        = "typing_started"
	EventTypingStopped        = "typing_stopped"
	EventInputChanged         = "input_changed"
	EventSystemNotification   = "system_notification"
	EventError                = "error"
)

// Event is the envelope written to clients.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data,omitempty"`
	TS   int64  `json:"ts"`
}

func NewEvent(name string, data any) Event {
	return Event{Name: name, Data: data, TS: time.Now().UnixMilli()}
}

type ModelRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type MessageSaved struct {
	ID     string `json:"id"`
	Stored string `json:"stored"`
	Error  string `json:"error,omitempty"`
}

type StreamingStarted struct {
	SessionID string     `json:"sessionId"`
	MessageID string     `json:"messageId"`
	Models    []ModelRef `json:"models"`
}

type ModelStart struct {
	SessionID string `json:"sessionId"`
	ModelID   string `json:"modelId"`
	ModelName string `json:"modelName"`
}

type MessageChunk struct {
	SessionID   string `json:"sessionId"`
	ModelID     string `json:"modelId"`
	ModelName   string `json:"modelName"`
	Chunk       string `json:"chunk"`
	FullContent string `json:"fullContent"`
	ChunkIndex  int    `json:"chunkIndex"`
}

type ModelComplete struct {
	SessionID  string `json:"sessionId"`
	ModelID    string `json:"modelId"`
	ModelName  string `json:"modelName"`
	ID         string `json:"id"`
	Content    string `json:"content"`
	TokensUsed int    `json:"tokensUsed"`
	ChunkCount int    `json:"chunkCount"`
}

type ModelError struct {
	SessionID string `json:"sessionId"`
	ModelID   string `json:"modelId"`
	ModelName string `json:"modelName"`
	Error     string `json:"error"`
}

type AllComplete struct {
	SessionID       string `json:"sessionId"`
	ModelsCompleted int    `json:"modelsCompleted"`
}

type ErrorPayload struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}
