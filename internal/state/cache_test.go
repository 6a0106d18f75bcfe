// internal/state/cache_test.go
package state

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/user/resumechat/internal/types"
)

func cacheDrivers(t *testing.T) map[string]types.MessageCache {
	t.Helper()
	dir := t.TempDir()
	sq, err := NewSQLiteCache(filepath.Join(dir, "cache.db"), 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sq.Close() })
	return map[string]types.MessageCache{
		"file":   NewFileCache(dir, 0),
		"sqlite": sq,
	}
}

func TestCacheKey(t *testing.T) {
	if got := CacheKey("abc"); got != "chat_messages_abc" {
		t.Errorf("expected chat_messages_abc, got %s", got)
	}
}

func TestCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	msgs := []types.Message{
		{Role: types.RoleAssistant, Content: "Hello!"},
		{ID: "m2", Role: types.RoleUser, Content: "Analyze this resume"},
		{Role: types.RoleAssistant, Content: "Done.", HiddenData: `{"overall_score": 82}`},
	}

	for name, cache := range cacheDrivers(t) {
		t.Run(name, func(t *testing.T) {
			if err := cache.Save(ctx, "c1", msgs); err != nil {
				t.Fatal(err)
			}
			got := cache.Load(ctx, "c1")
			if !reflect.DeepEqual(got, msgs) {
				t.Errorf("round trip mismatch:\nwant %+v\ngot  %+v", msgs, got)
			}
		})
	}
}

func TestCacheNeverPersistsStreaming(t *testing.T) {
	ctx := context.Background()
	msgs := []types.Message{
		{Role: types.RoleUser, Content: "q"},
		{Role: types.RoleAssistant, Content: "partial", IsStreaming: true},
	}

	for name, cache := range cacheDrivers(t) {
		t.Run(name, func(t *testing.T) {
			if err := cache.Save(ctx, "c1", msgs); err != nil {
				t.Fatal(err)
			}
			for _, m := range cache.Load(ctx, "c1") {
				if m.IsStreaming {
					t.Errorf("persisted message still streaming: %+v", m)
				}
			}
			if !msgs[1].IsStreaming {
				t.Error("Save must not modify its input")
			}
		})
	}
}

func TestCacheMissingAndDelete(t *testing.T) {
	ctx := context.Background()
	for name, cache := range cacheDrivers(t) {
		t.Run(name, func(t *testing.T) {
			got := cache.Load(ctx, "missing")
			if got == nil || len(got) != 0 {
				t.Errorf("expected empty non-nil list, got %#v", got)
			}

			if err := cache.Save(ctx, "c1", []types.Message{{Role: types.RoleUser, Content: "x"}}); err != nil {
				t.Fatal(err)
			}
			if err := cache.Delete(ctx, "c1"); err != nil {
				t.Fatal(err)
			}
			if len(cache.Load(ctx, "c1")) != 0 {
				t.Error("expected entry removed")
			}
			if err := cache.Delete(ctx, "c1"); err != nil {
				t.Errorf("deleting a missing entry should succeed, got %v", err)
			}
		})
	}
}

func TestFileCacheCorruptEntry(t *testing.T) {
	dir := t.TempDir()
	cache := NewFileCache(dir, 0)

	if err := os.MkdirAll(filepath.Join(dir, "cache"), 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "cache", "chat_messages_bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	if got := cache.Load(context.Background(), "bad"); len(got) != 0 {
		t.Errorf("expected empty list for corrupt entry, got %+v", got)
	}
}

func TestCacheMaxMessages(t *testing.T) {
	ctx := context.Background()
	cache := NewFileCache(t.TempDir(), 2)

	msgs := []types.Message{
		{Role: types.RoleUser, Content: "1"},
		{Role: types.RoleAssistant, Content: "2"},
		{Role: types.RoleUser, Content: "3"},
	}
	if err := cache.Save(ctx, "c1", msgs); err != nil {
		t.Fatal(err)
	}
	got := cache.Load(ctx, "c1")
	if len(got) != 2 || got[0].Content != "2" || got[1].Content != "3" {
		t.Errorf("expected newest two messages, got %+v", got)
	}
}
