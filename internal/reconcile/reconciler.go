// Package reconcile turns a reply stream into changes to a conversation's
// message list.
//
// One Run covers one send: the user message and a streaming placeholder are
// appended, stream events update the placeholder, and the run ends in
// exactly one of Completed, Fallback or Cancelled. A watchdog fails the run
// if no token arrives within the timeout. Every failure path leaves the
// conversation with a single fallback assistant message and no streaming
// placeholder.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/user/resumechat/internal/types"
	"github.com/user/resumechat/pkg/backend"
)

// DefaultTimeout is how long a send may wait for its first token.
const DefaultTimeout = 30 * time.Second

// FallbackText replaces the reply whenever a send fails.
const FallbackText = "Sorry, the AI service is temporarily unavailable. Please make sure the AI backend is configured.\n\n" +
	"You can:\n" +
	"1. Check that the backend service is running\n" +
	"2. Confirm the API key is configured\n" +
	"3. See the quick start guide for setup instructions"

const previewLen = 30

var (
	ErrTimeout    = errors.New("no reply before timeout")
	ErrEmptyReply = errors.New("empty reply")

	errNoStream = errors.New("opener returned no stream")
)

type openResult struct {
	ch  <-chan backend.Event
	err error
}

// Status is how a run ended.
type Status int

const (
	Completed Status = iota
	Fallback
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Completed:
		return "completed"
	case Fallback:
		return "fallback"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Outcome is the result of a run. Reason is set for Fallback and Cancelled.
type Outcome struct {
	Status Status
	Reply  types.Message
	Reason error
}

// Target is the conversation a run writes into.
type Target interface {
	ID() types.ConversationID

	// Mutate replaces the message list with fn's result under the owner's
	// lock. When persist is set the new list is written to the cache before
	// the lock is released.
	Mutate(fn func([]types.Message) []types.Message, persist bool)

	// Summarize records the summary fields of a completed exchange.
	Summarize(preview string, at time.Time)
}

// Opener opens the reply stream for the message being sent. It must return
// once ctx is done.
type Opener func(ctx context.Context) (<-chan backend.Event, error)

// Reconciler runs sends. It holds no per-send state and is safe for
// concurrent use.
type Reconciler struct {
	timeout time.Duration
	now     func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithTimeout sets the time-to-first-token watchdog.
func WithTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithClock replaces time.Now for summary timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New returns a Reconciler.
func New(opts ...Option) *Reconciler {
	r := &Reconciler{timeout: DefaultTimeout, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Timeout returns the watchdog duration.
func (r *Reconciler) Timeout() time.Duration {
	return r.timeout
}

// Run sends text into target and blocks until the run ends. Cancelling ctx
// stops the stream; no cache writes happen after that.
func (r *Reconciler) Run(ctx context.Context, target Target, text string, open Opener) Outcome {
	log := slog.With("conversation_id", string(target.ID()))

	target.Mutate(func(msgs []types.Message) []types.Message {
		return append(msgs, types.Message{ID: types.NewMessageID(), Role: types.RoleUser, Content: text})
	}, true)
	target.Mutate(func(msgs []types.Message) []types.Message {
		return append(msgs, types.Message{ID: types.NewMessageID(), Role: types.RoleAssistant, IsStreaming: true})
	}, false)

	streamCtx, stop := context.WithCancel(ctx)
	defer stop()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	// Opening races the watchdog: a server that accepts the request and
	// never answers still times out.
	opened := make(chan openResult, 1)
	go func() {
		ch, err := open(streamCtx)
		if err == nil && ch == nil {
			err = errNoStream
		}
		opened <- openResult{ch: ch, err: err}
	}()

	var ch <-chan backend.Event
	select {
	case <-ctx.Done():
		stop()
		return r.cancel(target, ctx.Err())

	case <-timer.C:
		stop()
		log.Warn("no reply before timeout", "timeout", r.timeout, "stage", "open")
		return r.fail(target, ErrTimeout)

	case res := <-opened:
		if res.err != nil {
			if ctx.Err() != nil {
				return r.cancel(target, ctx.Err())
			}
			log.Warn("open reply stream", "error", res.err)
			return r.fail(target, fmt.Errorf("open stream: %w", res.err))
		}
		ch = res.ch
	}

	watchdog := timer.C
	var acc string
	for {
		select {
		case <-ctx.Done():
			stop()
			return r.cancel(target, ctx.Err())

		case <-watchdog:
			stop()
			log.Warn("no reply before timeout", "timeout", r.timeout)
			return r.fail(target, ErrTimeout)

		case ev, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return r.cancel(target, ctx.Err())
				}
				ev = &backend.Done{}
			}

			switch ev := ev.(type) {
			case *backend.UserMessageAck:
				log.Debug("user message acknowledged")

			case *backend.HiddenData:
				target.Mutate(func(msgs []types.Message) []types.Message {
					return updateStreaming(msgs, func(m *types.Message) { m.HiddenData = ev.Payload })
				}, false)

			case *backend.Token:
				if watchdog != nil {
					timer.Stop()
					watchdog = nil
				}
				acc = ev.Accumulated
				target.Mutate(func(msgs []types.Message) []types.Message {
					return updateStreaming(msgs, func(m *types.Message) { m.Content = acc })
				}, true)

			case *backend.Done:
				stop()
				if acc == "" {
					log.Warn("stream finished without a reply")
					return r.fail(target, ErrEmptyReply)
				}
				return r.complete(target, acc, ev.FinalMessage)

			case *backend.StreamError:
				stop()
				log.Warn("reply stream failed", "reason", ev.Reason)
				return r.fail(target, ev)
			}
		}
	}
}

func (r *Reconciler) complete(target Target, acc string, final *backend.Message) Outcome {
	content := acc
	var hidden string
	if final != nil {
		if final.Content != "" {
			content = final.Content
		}
		hidden = final.JSONData
	}

	var reply types.Message
	target.Mutate(func(msgs []types.Message) []types.Message {
		return updateStreaming(msgs, func(m *types.Message) {
			m.Content = content
			m.IsStreaming = false
			if m.HiddenData == "" {
				m.HiddenData = hidden
			}
			reply = *m
		})
	}, true)
	target.Summarize(Preview(content), r.now())

	return Outcome{Status: Completed, Reply: reply}
}

func (r *Reconciler) fail(target Target, reason error) Outcome {
	reply := types.Message{ID: types.NewMessageID(), Role: types.RoleAssistant, Content: FallbackText}
	target.Mutate(func(msgs []types.Message) []types.Message {
		return append(dropStreaming(msgs), reply)
	}, true)
	return Outcome{Status: Fallback, Reply: reply, Reason: reason}
}

// cancel keeps a partial reply in memory and drops an empty placeholder.
func (r *Reconciler) cancel(target Target, reason error) Outcome {
	var reply types.Message
	target.Mutate(func(msgs []types.Message) []types.Message {
		out := msgs[:0:0]
		for _, m := range msgs {
			if !m.IsStreaming {
				out = append(out, m)
				continue
			}
			if m.Content != "" {
				m.IsStreaming = false
				reply = m
				out = append(out, m)
			}
		}
		return out
	}, false)
	return Outcome{Status: Cancelled, Reply: reply, Reason: reason}
}

// updateStreaming applies fn to the streaming placeholder, if any.
func updateStreaming(msgs []types.Message, fn func(*types.Message)) []types.Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].IsStreaming {
			fn(&msgs[i])
			break
		}
	}
	return msgs
}

func dropStreaming(msgs []types.Message) []types.Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if !m.IsStreaming {
			out = append(out, m)
		}
	}
	return out
}

// Preview returns the conversation-list preview of a reply: its first 30
// characters followed by an ellipsis.
func Preview(s string) string {
	if utf8.RuneCountInString(s) <= previewLen {
		return s + "..."
	}
	runes := []rune(s)
	return string(runes[:previewLen]) + "..."
}
