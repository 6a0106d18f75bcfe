// internal/state/sqlite.go
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/user/resumechat/internal/types"
)

const kvSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);`

// SQLiteCache stores message lists in a single key/value table.
type SQLiteCache struct {
	db          *sql.DB
	maxMessages int
}

// NewSQLiteCache opens (or creates) the database at path.
func NewSQLiteCache(path string, maxMessages int) (*SQLiteCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(kvSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init cache schema: %w", err)
	}
	return &SQLiteCache{db: db, maxMessages: maxMessages}, nil
}

// Close closes the database.
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

func (c *SQLiteCache) Load(ctx context.Context, id types.ConversationID) []types.Message {
	var value string
	err := c.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, CacheKey(id)).Scan(&value)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			slog.Warn("read cache entry", "conversation_id", id, "error", err)
		}
		return []types.Message{}
	}

	var msgs []types.Message
	if err := json.Unmarshal([]byte(value), &msgs); err != nil {
		slog.Warn("corrupt cache entry", "conversation_id", id, "error", err)
		return []types.Message{}
	}
	if msgs == nil {
		return []types.Message{}
	}
	return msgs
}

func (c *SQLiteCache) Save(ctx context.Context, id types.ConversationID, msgs []types.Message) error {
	data, err := json.Marshal(trimMessages(types.StripStreaming(msgs), c.maxMessages))
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		CacheKey(id), string(data), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

func (c *SQLiteCache) Delete(ctx context.Context, id types.ConversationID) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, CacheKey(id)); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}
