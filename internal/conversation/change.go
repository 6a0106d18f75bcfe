package conversation

import (
	"github.com/user/resumechat/internal/types"
)

// ChangeKind says which part of the Store changed.
type ChangeKind int

const (
	ChangeList ChangeKind = iota
	ChangeMessages
	ChangeActive
	ChangeError
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeList:
		return "list"
	case ChangeMessages:
		return "messages"
	case ChangeActive:
		return "active"
	case ChangeError:
		return "error"
	}
	return "unknown"
}

// Change is delivered to subscribers after the Store's state has changed.
type Change struct {
	Kind           ChangeKind
	ConversationID types.ConversationID
}

// Subscribe registers fn for change notifications and returns a function
// that removes it. fn runs on the goroutine that made the change, outside
// the Store's lock; it may call back into the Store.
func (s *Store) Subscribe(fn func(Change)) (unsubscribe func()) {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *Store) notify(c Change) {
	s.obsMu.RLock()
	fns := make([]func(Change), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}
