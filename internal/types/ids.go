// internal/types/ids.go
package types

import (
	"github.com/google/uuid"
)

// ConversationID is assigned by the backend and treated as opaque.
type ConversationID string

type MessageID string
type JobID string
type ReportID string

// NewMessageID returns a client-side id for messages that have not been
// round-tripped through the backend yet.
func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

func NewJobID() JobID {
	return JobID(uuid.New().String())
}

func NewReportID() ReportID {
	return ReportID(uuid.New().String())
}
