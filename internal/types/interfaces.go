// internal/types/interfaces.go
package types

import (
	"context"
)

// MessageCache persists the message list of each conversation locally.
// Load never fails: a missing or unreadable entry is an empty list.
type MessageCache interface {
	Load(ctx context.Context, id ConversationID) []Message
	Save(ctx context.Context, id ConversationID, msgs []Message) error
	Delete(ctx context.Context, id ConversationID) error
}

// ConversationIndex keeps local metadata (stars, titles, local-only
// conversations) across restarts.
type ConversationIndex interface {
	List(ctx context.Context) ([]*ConversationRecord, error)
	Get(ctx context.Context, id ConversationID) (*ConversationRecord, error)
	Put(ctx context.Context, rec *ConversationRecord) error
	Remove(ctx context.Context, id ConversationID) error
}

// ReportStore keeps exported analysis reports.
type ReportStore interface {
	Put(ctx context.Context, id ConversationID, format string, body []byte) (*ReportMeta, error)
	List(ctx context.Context, id ConversationID) ([]*ReportMeta, error)
	Get(ctx context.Context, id ReportID) ([]byte, *ReportMeta, error)
}
