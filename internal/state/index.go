// internal/state/index.go
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/resumechat/internal/types"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ConversationIndex is a JSON-file-backed index of local conversation
// metadata, stored in conversations.json under the root directory.
type ConversationIndex struct {
	root string
	mu   sync.RWMutex
}

// NewConversationIndex creates a new file-backed index rooted at the given directory.
func NewConversationIndex(root string) *ConversationIndex {
	return &ConversationIndex{root: root}
}

func (x *ConversationIndex) indexPath() string {
	return filepath.Join(x.root, "conversations.json")
}

// loadIndex reads conversations.json and returns a map keyed by ConversationID.
func (x *ConversationIndex) loadIndex() (map[types.ConversationID]*types.ConversationRecord, error) {
	data, err := os.ReadFile(x.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[types.ConversationID]*types.ConversationRecord), nil
		}
		return nil, fmt.Errorf("read conversation index: %w", err)
	}

	var records []*types.ConversationRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("unmarshal conversation index: %w", err)
	}

	index := make(map[types.ConversationID]*types.ConversationRecord, len(records))
	for _, rec := range records {
		index[rec.ID] = rec
	}
	return index, nil
}

// saveIndex writes the records sorted by id so the file diffs cleanly.
func (x *ConversationIndex) saveIndex(index map[types.ConversationID]*types.ConversationRecord) error {
	records := make([]*types.ConversationRecord, 0, len(index))
	for _, rec := range index {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal conversation index: %w", err)
	}

	if err := os.MkdirAll(x.root, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return writeFileAtomic(x.indexPath(), data, 0o644)
}

// List returns all records, most recent first.
func (x *ConversationIndex) List(_ context.Context) ([]*types.ConversationRecord, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	index, err := x.loadIndex()
	if err != nil {
		return nil, err
	}

	records := make([]*types.ConversationRecord, 0, len(index))
	for _, rec := range index {
		records = append(records, rec)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	return records, nil
}

// Get returns the record with the given ID.
func (x *ConversationIndex) Get(_ context.Context, id types.ConversationID) (*types.ConversationRecord, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	index, err := x.loadIndex()
	if err != nil {
		return nil, err
	}
	rec, ok := index[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return rec, nil
}

// Put inserts or replaces a record, setting UpdatedAt to now. A resume id
// already on file is never cleared or replaced.
func (x *ConversationIndex) Put(_ context.Context, rec *types.ConversationRecord) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	index, err := x.loadIndex()
	if err != nil {
		return err
	}

	stored := *rec
	if existing, ok := index[rec.ID]; ok && existing.ResumeID != "" {
		stored.ResumeID = existing.ResumeID
	}
	stored.UpdatedAt = time.Now()
	index[rec.ID] = &stored

	return x.saveIndex(index)
}

// Remove deletes the record. A missing record is not an error.
func (x *ConversationIndex) Remove(_ context.Context, id types.ConversationID) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	index, err := x.loadIndex()
	if err != nil {
		return err
	}
	if _, ok := index[id]; !ok {
		return nil
	}
	delete(index, id)
	return x.saveIndex(index)
}
