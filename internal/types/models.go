// internal/types/models.go
package types

import (
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleSystem is accepted when decoding server history but never produced.
	RoleSystem Role = "system"
)

// Message is one entry of a conversation. The JSON form is what the local
// cache stores.
type Message struct {
	ID          MessageID `json:"id,omitempty"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	IsStreaming bool      `json:"isStreaming,omitempty"`
	HiddenData  string    `json:"json_data,omitempty"`
}

// Conversation is a chat thread. Messages is only populated in memory.
type Conversation struct {
	ID                 ConversationID `json:"id"`
	Title              string         `json:"title"`
	IsStarred          bool           `json:"is_starred"`
	ResumeID           string         `json:"resume_id,omitempty"`
	LastMessagePreview string         `json:"last_message"`
	Timestamp          time.Time      `json:"timestamp"`
	MessageCount       int            `json:"message_count"`
	Messages           []Message      `json:"-"`
}

// ConversationRecord is the locally indexed part of a conversation: what
// survives restarts even if the backend forgets it or is unreachable.
type ConversationRecord struct {
	ID                 ConversationID `json:"id"`
	Title              string         `json:"title"`
	ResumeID           string         `json:"resume_id,omitempty"`
	IsStarred          bool           `json:"is_starred"`
	LastMessagePreview string         `json:"last_message,omitempty"`
	Timestamp          time.Time      `json:"timestamp"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// ReportMeta describes an exported analysis report.
type ReportMeta struct {
	ID             ReportID       `json:"id"`
	ConversationID ConversationID `json:"conversation_id"`
	Format         string         `json:"format"`
	CreatedAt      time.Time      `json:"created_at"`
	Path           string         `json:"path"`
}

// Record returns the indexable subset of c.
func (c *Conversation) Record() *ConversationRecord {
	return &ConversationRecord{
		ID:                 c.ID,
		Title:              c.Title,
		ResumeID:           c.ResumeID,
		IsStarred:          c.IsStarred,
		LastMessagePreview: c.LastMessagePreview,
		Timestamp:          c.Timestamp,
	}
}

// HasAssistantReply reports whether msgs contains a non-streaming assistant message.
func HasAssistantReply(msgs []Message) bool {
	for _, m := range msgs {
		if m.Role == RoleAssistant && !m.IsStreaming {
			return true
		}
	}
	return false
}

// StripStreaming returns a copy of msgs with every streaming flag cleared.
func StripStreaming(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		m.IsStreaming = false
		out[i] = m
	}
	return out
}
