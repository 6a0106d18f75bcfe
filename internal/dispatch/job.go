package dispatch

import (
	"context"
	"time"

	"github.com/user/resumechat/internal/reconcile"
	"github.com/user/resumechat/internal/types"
)

// JobStatus represents the lifecycle state of a Job.
type JobStatus string

const (
	JobQueued   JobStatus = "queued"
	JobRunning  JobStatus = "running"
	JobComplete JobStatus = "complete"
	JobFailed   JobStatus = "failed"
)

// Job is one queued send into a conversation.
type Job struct {
	ID             types.JobID
	ConversationID types.ConversationID
	Text           string
	UseAgent       bool
	Source         string
	Status         JobStatus
	Attempts       int
	CreatedAt      time.Time
	StartedAt      *time.Time
	EndedAt        *time.Time
	Outcome        reconcile.Outcome
	Err            error
	Ctx            context.Context
	OnComplete     func(*Job)
}

// NewJob creates a Job in the Queued state.
func NewJob(id types.ConversationID, text string, useAgent bool) *Job {
	return &Job{
		ID:             types.NewJobID(),
		ConversationID: id,
		Text:           text,
		UseAgent:       useAgent,
		Status:         JobQueued,
		CreatedAt:      time.Now(),
	}
}
