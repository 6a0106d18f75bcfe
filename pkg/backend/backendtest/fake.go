// Package backendtest provides an in-memory backend.Backend for tests.
package backendtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/user/resumechat/pkg/backend"
)

// StreamFunc produces the reply events of one send.
type StreamFunc func(ctx context.Context, id string, req backend.StreamRequest) (<-chan backend.Event, error)

// Fake is a scriptable in-memory backend. Zero value is ready to use.
type Fake struct {
	mu            sync.Mutex
	conversations []backend.Summary
	messages      map[string][]backend.Message
	nextID        int

	// Reply overrides the default reply ("ok").
	Reply StreamFunc

	// Err* make the corresponding call fail.
	ErrList     error
	ErrCreate   error
	ErrDelete   error
	ErrMessages error

	StreamCalls   int
	StreamRequest []backend.StreamRequest
}

var _ backend.Backend = (*Fake)(nil)

// AddConversation seeds a server-side conversation.
func (f *Fake) AddConversation(s backend.Summary, msgs ...backend.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conversations = append(f.conversations, s)
	if f.messages == nil {
		f.messages = make(map[string][]backend.Message)
	}
	f.messages[s.ID] = msgs
}

// SetMessages replaces the server-side history of a conversation.
func (f *Fake) SetMessages(id string, msgs ...backend.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messages == nil {
		f.messages = make(map[string][]backend.Message)
	}
	f.messages[id] = msgs
}

// Calls returns how many times Stream was called.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.StreamCalls
}

func (f *Fake) ListConversations(_ context.Context) ([]backend.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ErrList != nil {
		return nil, f.ErrList
	}
	return append([]backend.Summary(nil), f.conversations...), nil
}

func (f *Fake) CreateConversation(_ context.Context, req backend.CreateRequest) (*backend.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ErrCreate != nil {
		return nil, f.ErrCreate
	}
	f.nextID++
	s := backend.Summary{
		ID:        fmt.Sprintf("conv-%d", f.nextID),
		Title:     req.Title,
		ResumeID:  req.ResumeID,
		Timestamp: backend.Timestamp{Time: time.Now()},
	}
	f.conversations = append(f.conversations, s)
	return &s, nil
}

func (f *Fake) DeleteConversation(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ErrDelete != nil {
		return f.ErrDelete
	}
	for i, s := range f.conversations {
		if s.ID == id {
			f.conversations = append(f.conversations[:i], f.conversations[i+1:]...)
			break
		}
	}
	delete(f.messages, id)
	return nil
}

func (f *Fake) ListMessages(_ context.Context, id string) ([]backend.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ErrMessages != nil {
		return nil, f.ErrMessages
	}
	return append([]backend.Message(nil), f.messages[id]...), nil
}

func (f *Fake) Stream(ctx context.Context, id string, req backend.StreamRequest) (<-chan backend.Event, error) {
	f.mu.Lock()
	f.StreamCalls++
	f.StreamRequest = append(f.StreamRequest, req)
	fn := f.Reply
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, id, req)
	}
	return Events(ctx, &backend.Token{Delta: "ok", Accumulated: "ok"}, &backend.Done{}), nil
}

// Events returns a channel that yields evs in order then closes. Sending
// stops when ctx is cancelled.
func Events(ctx context.Context, evs ...backend.Event) <-chan backend.Event {
	ch := make(chan backend.Event)
	go func() {
		defer close(ch)
		for _, ev := range evs {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Script returns a StreamFunc that always replies with evs.
func Script(evs ...backend.Event) StreamFunc {
	return func(ctx context.Context, _ string, _ backend.StreamRequest) (<-chan backend.Event, error) {
		return Events(ctx, evs...), nil
	}
}

// Controlled is a stream whose events are pushed by the test.
type Controlled struct {
	ch     chan backend.Event
	opened chan struct{}
	once   sync.Once
}

// NewControlled returns a stream that emits only what Send pushes.
func NewControlled() *Controlled {
	return &Controlled{ch: make(chan backend.Event), opened: make(chan struct{})}
}

// Func is the StreamFunc that serves this stream.
func (c *Controlled) Func() StreamFunc {
	return func(ctx context.Context, _ string, _ backend.StreamRequest) (<-chan backend.Event, error) {
		out := make(chan backend.Event)
		go func() {
			defer close(out)
			for {
				select {
				case ev, ok := <-c.ch:
					if !ok {
						return
					}
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
					if backend.IsTerminal(ev) {
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()
		c.once.Do(func() { close(c.opened) })
		return out, nil
	}
}

// Opened is closed once the stream has been opened.
func (c *Controlled) Opened() <-chan struct{} {
	return c.opened
}

// Send pushes ev to the consumer. It reports false if the consumer is gone
// within a second.
func (c *Controlled) Send(ev backend.Event) bool {
	select {
	case c.ch <- ev:
		return true
	case <-time.After(time.Second):
		return false
	}
}
