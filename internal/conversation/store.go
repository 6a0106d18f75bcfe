// Package conversation holds the client-side conversation state: the list
// of conversations, which one is active, and the operations UI layers call.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/user/resumechat/internal/reconcile"
	"github.com/user/resumechat/internal/retry"
	"github.com/user/resumechat/internal/types"
	"github.com/user/resumechat/pkg/backend"
)

var (
	ErrNotFound     = errors.New("conversation not found")
	ErrSendInFlight = errors.New("a message is already being sent in this conversation")
	ErrEmptyMessage = errors.New("message is empty")
)

// DefaultTitle names conversations created without a title.
const DefaultTitle = "New conversation"

// Greeting is the first assistant message of every new conversation.
const Greeting = "Hello! I'm the AI resume-analysis assistant. You can upload a resume or ask me a question, " +
	"and I'll help analyze the candidate's skills, experience and fit."

type entry struct {
	conv   types.Conversation
	loaded bool
	// localOnly is set when the last successful listing omitted the
	// conversation and it was kept for its cached messages.
	localOnly bool
}

type sendHandle struct {
	cancel context.CancelFunc
}

// Store is the aggregate root for conversations. Create one per process with
// New and pass it to every UI layer. All methods are safe for concurrent use.
type Store struct {
	backend    backend.Backend
	cache      types.MessageCache
	index      types.ConversationIndex
	reconciler *reconcile.Reconciler
	retry      *retry.Policy
	now        func() time.Time

	mu       sync.Mutex
	entries  map[types.ConversationID]*entry
	order    []types.ConversationID
	active   types.ConversationID
	inflight map[types.ConversationID]*sendHandle
	lastErr  string

	obsMu     sync.RWMutex
	observers map[int]func(Change)
	nextObs   int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Store.
type Option func(*Store)

// WithIndex persists stars and local-only conversations.
func WithIndex(index types.ConversationIndex) Option {
	return func(s *Store) { s.index = index }
}

// WithReconciler replaces the default reconciler.
func WithReconciler(r *reconcile.Reconciler) Option {
	return func(s *Store) { s.reconciler = r }
}

// WithRetryPolicy sets the policy for opening reply streams.
func WithRetryPolicy(p *retry.Policy) Option {
	return func(s *Store) { s.retry = p }
}

// New creates a Store backed by b and cache.
func New(b backend.Backend, cache types.MessageCache, opts ...Option) *Store {
	s := &Store{
		backend:    b,
		cache:      cache,
		reconciler: reconcile.New(),
		retry:      retry.DefaultPolicy(),
		now:        time.Now,
		entries:    make(map[types.ConversationID]*entry),
		inflight:   make(map[types.ConversationID]*sendHandle),
		observers:  make(map[int]func(Change)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Close cancels in-flight sends and background syncs and waits for them.
func (s *Store) Close() {
	s.cancel()
	s.mu.Lock()
	for _, h := range s.inflight {
		h.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Wait blocks until background work started by the Store has finished.
func (s *Store) Wait() {
	s.wg.Wait()
}

// sortLocked orders conversations most recent first. Caller must hold s.mu.
func (s *Store) sortLocked() {
	s.order = s.order[:0]
	for id := range s.entries {
		s.order = append(s.order, id)
	}
	sort.SliceStable(s.order, func(i, j int) bool {
		a, b := s.entries[s.order[i]].conv, s.entries[s.order[j]].conv
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		return a.ID < b.ID
	})
}

func (s *Store) snapshotLocked() []types.Conversation {
	out := make([]types.Conversation, 0, len(s.order))
	for _, id := range s.order {
		c := s.entries[id].conv
		c.Messages = append([]types.Message(nil), c.Messages...)
		out = append(out, c)
	}
	return out
}

// ListConversations refreshes the list from the server and returns it, most
// recent first. Conversations that only exist locally are kept as long as
// they have messages. On a fetch failure the local list is returned along
// with the error.
func (s *Store) ListConversations(ctx context.Context) ([]types.Conversation, error) {
	summaries, fetchErr := s.backend.ListConversations(ctx)
	if fetchErr != nil {
		slog.Warn("list conversations", "error", fetchErr)
	}

	var records []*types.ConversationRecord
	if s.index != nil {
		var err error
		if records, err = s.index.List(ctx); err != nil {
			slog.Warn("read conversation index", "error", err)
		}
	}

	onServer := make(map[types.ConversationID]bool, len(summaries))
	for _, sum := range summaries {
		onServer[types.ConversationID(sum.ID)] = true
	}

	// Anything the server did not list survives only if it still has
	// cached messages. Entries that were never loaded are checked on disk.
	candidates := make(map[types.ConversationID]bool)
	for _, rec := range records {
		if !onServer[rec.ID] {
			candidates[rec.ID] = true
		}
	}
	s.mu.Lock()
	for id, e := range s.entries {
		if !onServer[id] && !e.loaded {
			candidates[id] = true
		}
	}
	s.mu.Unlock()
	hasLocal := make(map[types.ConversationID]bool)
	for id := range candidates {
		if len(s.cache.Load(ctx, id)) > 0 {
			hasLocal[id] = true
		}
	}

	s.mu.Lock()
	byRecord := make(map[types.ConversationID]*types.ConversationRecord, len(records))
	for _, rec := range records {
		byRecord[rec.ID] = rec
		if _, ok := s.entries[rec.ID]; !ok && (onServer[rec.ID] || hasLocal[rec.ID]) {
			s.entries[rec.ID] = &entry{conv: types.Conversation{
				ID:                 rec.ID,
				Title:              rec.Title,
				ResumeID:           rec.ResumeID,
				IsStarred:          rec.IsStarred,
				LastMessagePreview: rec.LastMessagePreview,
				Timestamp:          rec.Timestamp,
			}}
		}
	}

	for _, sum := range summaries {
		id := types.ConversationID(sum.ID)
		e, ok := s.entries[id]
		if !ok {
			e = &entry{conv: types.Conversation{ID: id, IsStarred: sum.IsStarred}}
			if rec := byRecord[id]; rec != nil {
				e.conv.IsStarred = rec.IsStarred
			}
			s.entries[id] = e
		}
		s.applySummaryLocked(e, sum)
	}

	if fetchErr == nil {
		// Drop conversations the server no longer lists unless they hold
		// local messages or a send is running.
		for id, e := range s.entries {
			e.localOnly = !onServer[id]
			if onServer[id] || hasLocal[id] || len(e.conv.Messages) > 0 || s.inflight[id] != nil {
				continue
			}
			delete(s.entries, id)
		}
	}

	s.sortLocked()
	activeChanged := false
	if _, ok := s.entries[s.active]; !ok {
		s.active = ""
	}
	if s.active == "" && len(s.order) > 0 {
		s.active = s.order[0]
		activeChanged = true
	}
	list := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeList})
	if activeChanged {
		s.notify(Change{Kind: ChangeActive, ConversationID: list[0].ID})
	}

	if fetchErr != nil {
		s.setError("Could not load conversations from the server")
		return list, fmt.Errorf("list conversations: %w", fetchErr)
	}
	return list, nil
}

// applySummaryLocked copies server fields onto e. Stars stay local and a
// resume link is never replaced once set.
func (s *Store) applySummaryLocked(e *entry, sum backend.Summary) {
	if sum.Title != "" {
		e.conv.Title = sum.Title
	}
	if e.conv.ResumeID == "" {
		e.conv.ResumeID = sum.ResumeID
	}
	if !e.loaded {
		e.conv.MessageCount = sum.MessageCount
	}
	if s.inflight[e.conv.ID] != nil {
		return
	}
	if sum.Timestamp.After(e.conv.Timestamp) {
		e.conv.Timestamp = sum.Timestamp.Time
		if sum.LastMessage != "" {
			e.conv.LastMessagePreview = sum.LastMessage
		}
	}
	if e.conv.LastMessagePreview == "" {
		e.conv.LastMessagePreview = sum.LastMessage
	}
}

// CreateConversation creates a conversation on the server, seeds it with the
// greeting and makes it active.
func (s *Store) CreateConversation(ctx context.Context, title, resumeID string) (types.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle
	}

	sum, err := s.backend.CreateConversation(ctx, backend.CreateRequest{Title: title, ResumeID: resumeID})
	if err != nil {
		s.setError("Could not create a conversation")
		return types.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}

	conv := types.Conversation{
		ID:        types.ConversationID(sum.ID),
		Title:     title,
		ResumeID:  resumeID,
		Timestamp: sum.Timestamp.Time,
		Messages: []types.Message{
			{ID: types.NewMessageID(), Role: types.RoleAssistant, Content: Greeting},
		},
	}
	if sum.Title != "" {
		conv.Title = sum.Title
	}
	if sum.ResumeID != "" {
		conv.ResumeID = sum.ResumeID
	}
	if conv.Timestamp.IsZero() {
		conv.Timestamp = s.now()
	}
	conv.MessageCount = len(conv.Messages)

	if err := s.cache.Save(ctx, conv.ID, conv.Messages); err != nil {
		slog.Warn("save greeting", "conversation_id", conv.ID, "error", err)
	}
	s.putRecord(ctx, conv.Record())

	s.mu.Lock()
	s.entries[conv.ID] = &entry{conv: conv, loaded: true}
	s.sortLocked()
	s.active = conv.ID
	out := conv
	out.Messages = append([]types.Message(nil), conv.Messages...)
	s.mu.Unlock()

	slog.Info("conversation created", "conversation_id", conv.ID, "resume_id", conv.ResumeID)
	s.notify(Change{Kind: ChangeList})
	s.notify(Change{Kind: ChangeActive, ConversationID: conv.ID})
	return out, nil
}

// SelectConversation makes id active, loads its cached messages and starts a
// background sync with the server history.
func (s *Store) SelectConversation(ctx context.Context, id types.ConversationID) error {
	s.mu.Lock()
	if _, ok := s.entries[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("select %s: %w", id, ErrNotFound)
	}
	s.mu.Unlock()

	cached := s.cache.Load(ctx, id)

	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("select %s: %w", id, ErrNotFound)
	}
	if s.inflight[id] == nil {
		e.conv.Messages = cached
		e.conv.MessageCount = len(cached)
		e.loaded = true
	}
	s.active = id
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeActive, ConversationID: id})
	s.notify(Change{Kind: ChangeMessages, ConversationID: id})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.SyncMessages(s.ctx, id); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("background sync", "conversation_id", id, "error", err)
		}
	}()
	return nil
}

// SyncMessages merges the server history of id into the local list and
// persists the result. It does nothing while a send is in flight.
func (s *Store) SyncMessages(ctx context.Context, id types.ConversationID) error {
	if s.IsSending(id) {
		return nil
	}

	remote, err := s.backend.ListMessages(ctx, string(id))
	if err != nil {
		return fmt.Errorf("sync messages: %w", err)
	}
	fetched := fromBackend(remote)

	var cached []types.Message
	s.mu.Lock()
	loaded := false
	if e, ok := s.entries[id]; ok {
		loaded = e.loaded
	}
	s.mu.Unlock()
	if !loaded {
		cached = s.cache.Load(ctx, id)
	}

	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || s.inflight[id] != nil {
		s.mu.Unlock()
		return nil
	}
	if e.loaded {
		cached = e.conv.Messages
	}
	merged := reconcile.MergeHistory(cached, fetched)
	changed := !equalMessages(merged, e.conv.Messages) || !e.loaded
	e.conv.Messages = merged
	e.conv.MessageCount = len(merged)
	e.loaded = true
	var rec *types.ConversationRecord
	if changed {
		if err := s.cache.Save(ctx, id, merged); err != nil {
			slog.Warn("save merged history", "conversation_id", id, "error", err)
		}
		if len(merged) > 0 {
			rec = e.conv.Record()
		}
	}
	s.mu.Unlock()

	if rec != nil {
		// Indexed so a later session still lists it if the server omits it.
		s.putRecord(ctx, rec)
	}
	if changed {
		s.notify(Change{Kind: ChangeMessages, ConversationID: id})
	}
	return nil
}

// ToggleStar flips the star of id locally and returns the new value.
func (s *Store) ToggleStar(id types.ConversationID) (bool, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("star %s: %w", id, ErrNotFound)
	}
	e.conv.IsStarred = !e.conv.IsStarred
	starred := e.conv.IsStarred
	rec := e.conv.Record()
	s.mu.Unlock()

	s.putRecord(s.ctx, rec)
	s.notify(Change{Kind: ChangeList, ConversationID: id})
	return starred, nil
}

// DeleteConversation deletes id on the server, then locally. If it was
// active, the most recent remaining conversation becomes active.
func (s *Store) DeleteConversation(ctx context.Context, id types.ConversationID) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	localOnly := ok && e.localOnly
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}

	if localOnly {
		slog.Debug("deleting local-only conversation", "conversation_id", id)
	} else if err := s.backend.DeleteConversation(ctx, string(id)); err != nil && !isGone(err) {
		s.setError("Could not delete the conversation")
		return fmt.Errorf("delete conversation: %w", err)
	}

	s.mu.Lock()
	if h := s.inflight[id]; h != nil {
		h.cancel()
	}
	delete(s.entries, id)
	s.sortLocked()
	var next types.ConversationID
	wasActive := s.active == id
	if wasActive {
		s.active = ""
		if len(s.order) > 0 {
			next = s.order[0]
		}
	}
	s.mu.Unlock()

	if err := s.cache.Delete(ctx, id); err != nil {
		slog.Warn("delete cache entry", "conversation_id", id, "error", err)
	}
	if s.index != nil {
		if err := s.index.Remove(ctx, id); err != nil {
			slog.Warn("remove index record", "conversation_id", id, "error", err)
		}
	}

	slog.Info("conversation deleted", "conversation_id", id)
	s.notify(Change{Kind: ChangeList, ConversationID: id})
	if !wasActive {
		return nil
	}
	if next == "" {
		s.notify(Change{Kind: ChangeActive})
		return nil
	}
	return s.SelectConversation(ctx, next)
}

// SendMessage sends text into id and blocks until the reply is complete, has
// been replaced by the fallback message, or ctx is cancelled. A second send
// on the same conversation while one is running fails with ErrSendInFlight.
// The returned error is non-nil only for rejected sends and auth failures;
// every other failure is reported through the outcome.
func (s *Store) SendMessage(ctx context.Context, id types.ConversationID, text string, useAgent bool) (reconcile.Outcome, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return reconcile.Outcome{}, ErrEmptyMessage
	}

	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return reconcile.Outcome{}, fmt.Errorf("send to %s: %w", id, ErrNotFound)
	}
	if s.inflight[id] != nil {
		s.mu.Unlock()
		return reconcile.Outcome{}, ErrSendInFlight
	}
	sendCtx, cancel := context.WithCancel(ctx)
	handle := &sendHandle{cancel: cancel}
	s.inflight[id] = handle
	needsLoad := !e.loaded
	resumeID := e.conv.ResumeID
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.inflight[id] == handle {
			delete(s.inflight, id)
		}
		s.mu.Unlock()
		cancel()
	}()

	if needsLoad {
		cached := s.cache.Load(ctx, id)
		s.mu.Lock()
		if e, ok := s.entries[id]; ok && !e.loaded {
			e.conv.Messages = cached
			e.loaded = true
		}
		s.mu.Unlock()
	}

	req := backend.StreamRequest{Content: text, UseAgent: useAgent, ResumeID: resumeID}
	open := func(ctx context.Context) (<-chan backend.Event, error) {
		var ch <-chan backend.Event
		attempt := 0
		err := s.retry.Execute(ctx, func(ctx context.Context) error {
			attempt++
			var err error
			ch, err = s.backend.Stream(ctx, string(id), req)
			if err != nil {
				slog.Warn("open reply stream", "conversation_id", id, "attempt", attempt, "error", err)
			}
			return err
		})
		return ch, err
	}

	slog.Debug("sending message", "conversation_id", id, "use_agent", useAgent)
	out := s.reconciler.Run(sendCtx, &target{store: s, id: id}, text, open)

	switch out.Status {
	case reconcile.Fallback:
		if errors.Is(out.Reason, backend.ErrUnauthorized) {
			s.setError("Authentication failed, please log in again")
			return out, out.Reason
		}
		s.setError("The AI service is unavailable: " + out.Reason.Error())
	case reconcile.Cancelled:
		slog.Info("send cancelled", "conversation_id", id)
	}
	return out, nil
}

// CancelSend stops the running send of id, if any.
func (s *Store) CancelSend(id types.ConversationID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.inflight[id]
	if h == nil {
		return false
	}
	h.cancel()
	return true
}

// IsSending reports whether a send is running in id.
func (s *Store) IsSending(id types.ConversationID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[id] != nil
}

// IsGeneratingReport reports whether a resume-linked conversation is waiting
// for its first assistant reply after a user message.
func (s *Store) IsGeneratingReport(id types.ConversationID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.conv.ResumeID == "" {
		return false
	}
	sawUser := false
	for _, m := range e.conv.Messages {
		switch {
		case m.Role == types.RoleUser:
			sawUser = true
		case m.Role == types.RoleAssistant && sawUser && !m.IsStreaming && m.Content != "":
			return false
		}
	}
	return sawUser
}

// Conversations returns the current list, most recent first.
func (s *Store) Conversations() []types.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Conversation returns one conversation with its messages, loading them
// from the cache if needed.
func (s *Store) Conversation(ctx context.Context, id types.ConversationID) (types.Conversation, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return types.Conversation{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	loaded := e.loaded
	s.mu.Unlock()

	if !loaded {
		cached := s.cache.Load(ctx, id)
		s.mu.Lock()
		if e, ok = s.entries[id]; ok && !e.loaded {
			e.conv.Messages = cached
			e.conv.MessageCount = len(cached)
			e.loaded = true
		}
		s.mu.Unlock()
		if !ok {
			return types.Conversation{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c := e.conv
	c.Messages = append([]types.Message(nil), c.Messages...)
	return c, nil
}

// Active returns the active conversation id, or "" if none.
func (s *Store) Active() types.ConversationID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Err returns the current error banner, or "".
func (s *Store) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// DismissError clears the error banner.
func (s *Store) DismissError() {
	s.mu.Lock()
	s.lastErr = ""
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeError})
}

func (s *Store) setError(msg string) {
	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeError})
}

// isGone reports whether the server no longer knows the conversation.
func isGone(err error) bool {
	var statusErr *backend.StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound
}

func (s *Store) putRecord(ctx context.Context, rec *types.ConversationRecord) {
	if s.index == nil {
		return
	}
	if err := s.index.Put(ctx, rec); err != nil {
		slog.Warn("write index record", "conversation_id", rec.ID, "error", err)
	}
}

func fromBackend(remote []backend.Message) []types.Message {
	out := make([]types.Message, 0, len(remote))
	for _, m := range remote {
		role := types.Role(m.Role)
		if role != types.RoleUser && role != types.RoleAssistant {
			continue
		}
		out = append(out, types.Message{
			ID:         types.MessageID(m.ID),
			Role:       role,
			Content:    m.Content,
			HiddenData: m.JSONData,
		})
	}
	return out
}

func equalMessages(a, b []types.Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
