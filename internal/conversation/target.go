package conversation

import (
	"context"
	"log/slog"
	"time"

	"github.com/user/resumechat/internal/types"
)

// target adapts one conversation of a Store to reconcile.Target. Writes to a
// conversation that has been deleted meanwhile are dropped.
type target struct {
	store *Store
	id    types.ConversationID
}

func (t *target) ID() types.ConversationID {
	return t.id
}

func (t *target) Mutate(fn func([]types.Message) []types.Message, persist bool) {
	s := t.store
	s.mu.Lock()
	e, ok := s.entries[t.id]
	if !ok {
		s.mu.Unlock()
		return
	}
	e.conv.Messages = fn(e.conv.Messages)
	e.conv.MessageCount = len(e.conv.Messages)
	e.loaded = true
	if persist {
		// The cache write belongs to the same step as the mutation.
		if err := s.cache.Save(context.Background(), t.id, e.conv.Messages); err != nil {
			slog.Warn("save messages", "conversation_id", t.id, "error", err)
		}
	}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessages, ConversationID: t.id})
}

func (t *target) Summarize(preview string, at time.Time) {
	s := t.store
	s.mu.Lock()
	e, ok := s.entries[t.id]
	if !ok {
		s.mu.Unlock()
		return
	}
	e.conv.LastMessagePreview = preview
	e.conv.Timestamp = at
	rec := e.conv.Record()
	s.sortLocked()
	s.mu.Unlock()

	s.putRecord(context.Background(), rec)
	s.notify(Change{Kind: ChangeList, ConversationID: t.id})
}
