package chat

import (
	"slices"
	"time"

	"gorm.io/datatypes"
)

type Role string

const (
	RoleUser Role = "USER"
	RoleAI   Role = "AI"
)

const DefaultTitle = "New Chat"

type Session struct {
	ID           uint64                      `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID    string                      `gorm:"type:varchar(64);uniqueIndex;not null" json:"sessionId"`
	OwnerID      string                      `gorm:"type:varchar(64);index;not null" json:"ownerId"`
	Participants datatypes.JSONSlice[string] `json:"participants"`
	Title        string                      `gorm:"type:varchar(100);not null;default:'New Chat'" json:"title"`
	MessageCount int64                       `gorm:"not null;default:0" json:"messageCount"`
	TotalTokens  int64                       `gorm:"not null;default:0" json:"totalTokensUsed"`
	IsActive     bool                        `gorm:"not null;default:true" json:"isActive"`
	CreatedAt    time.Time                   `json:"createdAt"`
	UpdatedAt    time.Time                   `json:"updatedAt"`
}

func (Session) TableName() string { return "chat_sessions" }

// Allows reports whether userID may join or post to the session: the
// owner and listed participants only.
func (s *Session) Allows(userID string) bool {
	if userID == "" {
		return false
	}
	return s.OwnerID == userID || slices.Contains(s.Participants, userID)
}

// Members is the owner followed by the participants, without duplicates.
func (s *Session) Members() []string {
	out := []string{s.OwnerID}
	for _, p := range s.Participants {
		if !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}

// ModelResponse is one model's successful answer inside an AI turn.
type ModelResponse struct {
	ModelID    string    `json:"modelId"`
	Content    string    `json:"content"`
	TokensUsed int       `json:"tokensUsed"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Turn is one row of a conversation: a user prompt, or the combined
// responses of every model that answered it. ID gives the total order
// within a session.
type Turn struct {
	ID         uint64                             `gorm:"primaryKey;autoIncrement" json:"-"`
	MessageID  string                             `gorm:"type:varchar(26);uniqueIndex;not null" json:"id"`
	SessionID  string                             `gorm:"type:varchar(64);not null;index" json:"sessionId"`
	SenderID   string                             `gorm:"type:varchar(64);index" json:"userId,omitempty"`
	Role       Role                               `gorm:"type:varchar(8);not null" json:"role"`
	Content    string                             `gorm:"type:text" json:"content"`
	Responses  datatypes.JSONSlice[ModelResponse] `json:"aiResponses,omitempty"`
	TokensUsed int                                `gorm:"not null;default:0" json:"tokensUsed"`
	CreatedAt  time.Time                          `json:"createdAt"`
}

func (Turn) TableName() string { return "chat_turns" }
