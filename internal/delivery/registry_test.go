// internal/delivery/registry_test.go
package delivery

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRegistryDeliver(t *testing.T) {
	reg := NewRegistry()

	var gotTarget, gotMsg string
	reg.Register("test", func(target, message string) error {
		gotTarget = target
		gotMsg = message
		return nil
	})

	err := reg.Deliver("test:123", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotTarget != "123" {
		t.Errorf("expected target %q, got %q", "123", gotTarget)
	}
	if gotMsg != "hello" {
		t.Errorf("expected message %q, got %q", "hello", gotMsg)
	}
}

func TestRegistryNoHandler(t *testing.T) {
	reg := NewRegistry()

	err := reg.Deliver("unknown:123", "hello")
	if err == nil {
		t.Fatal("expected error for unregistered scheme, got nil")
	}
}

func TestRegistryMalformedDestination(t *testing.T) {
	reg := NewRegistry()
	for _, dest := range []string{"", "telegram", "telegram:"} {
		if err := reg.Deliver(dest, "hello"); err == nil {
			t.Errorf("expected error for destination %q", dest)
		}
	}
}

func TestRegistryMultipleSchemes(t *testing.T) {
	reg := NewRegistry()

	var aCalled, bCalled bool
	reg.Register("a", func(target, message string) error {
		aCalled = true
		return nil
	})
	reg.Register("ab", func(target, message string) error {
		bCalled = true
		return nil
	})

	if err := reg.Deliver("ab:1", "msg"); err != nil {
		t.Fatal(err)
	}
	if aCalled {
		t.Error("handler a should not have been called for scheme ab")
	}
	if !bCalled {
		t.Error("handler ab should have been called")
	}
}

func TestFileDelivery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "replies.md")
	reg := NewRegistry()

	if err := reg.Deliver("file:"+path, "first reply"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Deliver("file:"+path, "second reply"); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if !strings.Contains(out, "first reply") || !strings.Contains(out, "second reply") {
		t.Errorf("expected both replies in file, got:\n%s", out)
	}
	if strings.Index(out, "first reply") > strings.Index(out, "second reply") {
		t.Error("replies out of order")
	}
}
