// Package backend defines the contract of the resume-analysis backend:
// conversation CRUD over REST and a line-delimited event stream per send.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrUnauthorized is a terminal auth failure. It is never retried.
var ErrUnauthorized = errors.New("unauthorized")

// Backend is implemented by transports that talk to the analysis service.
type Backend interface {
	// ListConversations returns the server's conversation summaries.
	ListConversations(ctx context.Context) ([]Summary, error)

	// CreateConversation creates a conversation and returns its summary.
	CreateConversation(ctx context.Context, req CreateRequest) (*Summary, error)

	// DeleteConversation removes a conversation on the server.
	DeleteConversation(ctx context.Context, id string) error

	// ListMessages returns the server-side history of a conversation.
	ListMessages(ctx context.Context, id string) ([]Message, error)

	// Stream submits a user message and returns the reply as a channel of
	// events. The channel is closed after a Done or StreamError event, or
	// when ctx is cancelled. A failure before the stream starts is returned
	// as the error and no channel is produced.
	Stream(ctx context.Context, id string, req StreamRequest) (<-chan Event, error)
}

// Config holds connection settings for a Backend.
type Config struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	RateLimit float64
	Burst     int
}

// Summary is a conversation as listed by the server.
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	LastMessage  string    `json:"last_message"`
	Timestamp    Timestamp `json:"timestamp"`
	IsStarred    bool      `json:"is_starred"`
	MessageCount int       `json:"message_count"`
	ResumeID     string    `json:"resume_id,omitempty"`
}

// Message is a history entry as returned by the server.
type Message struct {
	ID             string    `json:"id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      Timestamp `json:"created_at,omitempty"`
	JSONData       string    `json:"json_data,omitempty"`
}

type CreateRequest struct {
	Title    string `json:"title,omitempty"`
	ResumeID string `json:"resume_id,omitempty"`
}

type StreamRequest struct {
	Content  string `json:"content"`
	UseAgent bool   `json:"use_agent"`
	ResumeID string `json:"resume_id,omitempty"`
}

// DeleteResult is the body of a delete response.
type DeleteResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// Temporary reports whether the request may succeed if repeated.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 408 || e.StatusCode == 429
}

// Timestamp accepts RFC 3339 as well as the zone-less ISO form some
// backends emit. Null, empty and unparseable values decode as the zero time.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// null or a non-string value
		t.Time = time.Time{}
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	// One odd value must not fail the whole list it is part of.
	slog.Warn("unparseable timestamp", "value", s)
	t.Time = time.Time{}
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}
