// Package dispatch queues sends for UI layers that accept messages faster
// than a conversation can answer them. Sends into one conversation run in
// arrival order; sends into different conversations run concurrently up to
// a limit.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/resumechat/internal/conversation"
	"github.com/user/resumechat/internal/reconcile"
	"github.com/user/resumechat/internal/types"
)

// busyWait is how long a job waits before retrying a conversation that is
// busy with a send started outside the queue.
const busyWait = 250 * time.Millisecond

// Sender performs one send. *conversation.Store implements it.
type Sender interface {
	SendMessage(ctx context.Context, id types.ConversationID, text string, useAgent bool) (reconcile.Outcome, error)
}

// Dispatcher feeds queued jobs to a Sender.
type Dispatcher struct {
	sender Sender
	Queue  *Queue

	cancel context.CancelFunc
}

// New creates a Dispatcher with the given limit on concurrent sends.
func New(sender Sender, maxConcurrent ...int64) *Dispatcher {
	var concurrency int64 = 2
	if len(maxConcurrent) > 0 && maxConcurrent[0] > 0 {
		concurrency = maxConcurrent[0]
	}
	d := &Dispatcher{
		sender: sender,
		Queue:  NewQueue(concurrency),
	}
	d.Queue.SetProcessor(d.process)
	return d
}

// Start initialises the dispatcher's context and starts the queue.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.Queue.Start(ctx)
}

// Stop cancels running sends and waits for the queue to drain.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.Queue.Stop()
}

// JobOption configures optional behavior on a Job.
type JobOption func(*Job)

// WithOnComplete sets a callback invoked when the job has finished.
func WithOnComplete(fn func(*Job)) JobOption {
	return func(j *Job) { j.OnComplete = fn }
}

// WithSource tags the job with the UI layer that submitted it.
func WithSource(source string) JobOption {
	return func(j *Job) { j.Source = source }
}

// Submit queues a send and returns immediately.
func (d *Dispatcher) Submit(id types.ConversationID, text string, useAgent bool, opts ...JobOption) (*Job, error) {
	job := NewJob(id, text, useAgent)
	for _, opt := range opts {
		opt(job)
	}
	if err := d.Queue.Enqueue(job); err != nil {
		return nil, err
	}
	slog.Debug("job queued", "job_id", job.ID, "conversation_id", id, "source", job.Source)
	return job, nil
}

// SendAndWait queues a send and blocks until it finishes or ctx is done.
func (d *Dispatcher) SendAndWait(ctx context.Context, id types.ConversationID, text string, useAgent bool, opts ...JobOption) (*Job, error) {
	done := make(chan *Job, 1)
	opts = append(opts, func(j *Job) {
		prev := j.OnComplete
		j.OnComplete = func(j *Job) {
			if prev != nil {
				prev(j)
			}
			done <- j
		}
	})

	if _, err := d.Submit(id, text, useAgent, opts...); err != nil {
		return nil, err
	}
	select {
	case job := <-done:
		return job, job.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) process(job *Job) error {
	started := time.Now()
	job.StartedAt = &started
	job.Status = JobRunning

	job.Outcome, job.Err = d.send(job)

	ended := time.Now()
	job.EndedAt = &ended
	if job.Err != nil || job.Outcome.Status != reconcile.Completed {
		job.Status = JobFailed
	} else {
		job.Status = JobComplete
	}
	if job.OnComplete != nil {
		job.OnComplete(job)
	}
	return job.Err
}

// send retries while another send holds the conversation.
func (d *Dispatcher) send(job *Job) (reconcile.Outcome, error) {
	for {
		job.Attempts++
		outcome, err := d.sender.SendMessage(job.Ctx, job.ConversationID, job.Text, job.UseAgent)
		if !errors.Is(err, conversation.ErrSendInFlight) {
			return outcome, err
		}
		select {
		case <-job.Ctx.Done():
			return outcome, fmt.Errorf("wait for conversation: %w", job.Ctx.Err())
		case <-time.After(busyWait):
		}
	}
}
