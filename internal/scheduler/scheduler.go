// internal/scheduler/scheduler.go
package scheduler

import (
	"log/slog"

	"github.com/robfig/cron/v3"
	"github.com/user/resumechat/internal/state"
)

// Handler is the callback invoked when a scheduled job fires.
type Handler func(job state.Job)

// syncJobName names the implicit list sync registered by WithSyncSchedule.
const syncJobName = "conversation-sync"

// Scheduler evaluates cron expressions from the job store and fires jobs
// through a handler callback.
type Scheduler struct {
	store        *state.JobStore
	handler      Handler
	syncSchedule string
	cron         *cron.Cron
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSyncSchedule adds a conversation list sync on schedule on top of the jobs
// in the store. An empty schedule disables it.
func WithSyncSchedule(schedule string) Option {
	return func(s *Scheduler) { s.syncSchedule = schedule }
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidSchedule reports whether schedule parses as a schedule.
func ValidSchedule(schedule string) error {
	_, err := cronParser.Parse(schedule)
	return err
}

// New creates a new Scheduler backed by the given job store. The handler is
// called each time a scheduled job fires.
func New(store *state.JobStore, handler Handler, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:   store,
		handler: handler,
		cron:    cron.New(cron.WithParser(cronParser)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start loads jobs from the store, registers enabled jobs as cron entries,
// and starts the cron ticker.
func (s *Scheduler) Start() error {
	jobs, err := s.store.List()
	if err != nil {
		return err
	}
	if s.syncSchedule != "" {
		jobs = append(jobs, &state.Job{Name: syncJobName, Kind: state.JobSync, Schedule: s.syncSchedule, Enabled: true})
	}

	for _, job := range jobs {
		if job.Schedule == "" || !job.Enabled {
			continue
		}

		// Copy for the closure.
		j := *job
		_, err := s.cron.AddFunc(j.Schedule, func() {
			slog.Info("cron firing job", "name", j.Name, "kind", j.Kind, "conversation_id", j.ConversationID)
			s.handler(j)
		})
		if err != nil {
			slog.Error("invalid cron schedule", "name", j.Name, "schedule", j.Schedule, "error", err)
			continue
		}
		slog.Info("scheduled job", "name", j.Name, "schedule", j.Schedule)
	}

	s.cron.Start()
	return nil
}

// Entries returns the number of registered cron entries.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Reload stops the existing cron, creates a new one, and calls Start() again.
func (s *Scheduler) Reload() error {
	s.cron.Stop()
	s.cron = cron.New(cron.WithParser(cronParser))
	return s.Start()
}

// Stop stops the cron ticker.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
