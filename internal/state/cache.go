// internal/state/cache.go
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/resumechat/internal/types"
)

const cacheKeyPrefix = "chat_messages_"

// CacheKey returns the storage key of a conversation's message list.
func CacheKey(id types.ConversationID) string {
	return cacheKeyPrefix + string(id)
}

// trimMessages keeps the newest max messages. max <= 0 keeps everything.
func trimMessages(msgs []types.Message, max int) []types.Message {
	if max > 0 && len(msgs) > max {
		return msgs[len(msgs)-max:]
	}
	return msgs
}

// FileCache is a JSON-file-backed message cache.
// Each conversation is stored in cache/chat_messages_<id>.json.
type FileCache struct {
	root        string
	maxMessages int
	mu          sync.Mutex
	locks       map[types.ConversationID]*sync.RWMutex
}

// NewFileCache creates a file-backed cache rooted at the given directory.
// maxMessages bounds each entry; 0 means unbounded.
func NewFileCache(root string, maxMessages int) *FileCache {
	return &FileCache{
		root:        root,
		maxMessages: maxMessages,
		locks:       make(map[types.ConversationID]*sync.RWMutex),
	}
}

// getLock returns the per-conversation lock, creating one if it doesn't exist.
func (c *FileCache) getLock(id types.ConversationID) *sync.RWMutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	if lock, ok := c.locks[id]; ok {
		return lock
	}
	lock := &sync.RWMutex{}
	c.locks[id] = lock
	return lock
}

func (c *FileCache) dir() string {
	return filepath.Join(c.root, "cache")
}

func (c *FileCache) entryPath(id types.ConversationID) string {
	return filepath.Join(c.dir(), CacheKey(id)+".json")
}

// Load returns the cached messages for id. Missing or corrupt entries
// yield an empty list.
func (c *FileCache) Load(_ context.Context, id types.ConversationID) []types.Message {
	lock := c.getLock(id)
	lock.RLock()
	defer lock.RUnlock()

	data, err := os.ReadFile(c.entryPath(id))
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("read cache entry", "conversation_id", id, "error", err)
		}
		return []types.Message{}
	}

	var msgs []types.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		slog.Warn("corrupt cache entry", "conversation_id", id, "error", err)
		return []types.Message{}
	}
	if msgs == nil {
		return []types.Message{}
	}
	return msgs
}

// Save replaces the cached list for id. Streaming flags are never written.
func (c *FileCache) Save(_ context.Context, id types.ConversationID, msgs []types.Message) error {
	lock := c.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	data, err := json.Marshal(trimMessages(types.StripStreaming(msgs), c.maxMessages))
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := os.MkdirAll(c.dir(), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	return writeFileAtomic(c.entryPath(id), data, 0o644)
}

// Delete removes the entry for id. A missing entry is not an error.
func (c *FileCache) Delete(_ context.Context, id types.ConversationID) error {
	lock := c.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(c.entryPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove cache entry: %w", err)
	}
	return nil
}

// writeFileAtomic writes to a temp file in the same directory then renames it.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
