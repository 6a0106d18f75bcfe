// internal/delivery/registry.go
package delivery

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Handler delivers message to target, the part of a destination after the
// scheme ("12345" for "telegram:12345").
type Handler func(target, message string) error

// Registry routes finished replies to a destination such as
// "telegram:12345" or "file:/var/log/nudges.md" by scheme.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates a registry with the file scheme registered.
func NewRegistry() *Registry {
	r := &Registry{
		handlers: make(map[string]Handler),
	}
	r.Register("file", AppendFile)
	return r
}

// Register adds a handler for destinations with the given scheme.
func (r *Registry) Register(scheme string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[scheme] = handler
}

// Deliver sends message to dest. Returns an error if dest is malformed or no
// handler is registered for its scheme.
func (r *Registry) Deliver(dest, message string) error {
	scheme, target, ok := strings.Cut(dest, ":")
	if !ok || target == "" {
		return fmt.Errorf("invalid delivery destination: %q", dest)
	}
	r.mu.RLock()
	handler, ok := r.handlers[scheme]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no delivery handler for destination: %s", dest)
	}
	return handler(target, message)
}

// AppendFile appends message to the file at path under a timestamp heading.
func AppendFile(path, message string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create delivery directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open delivery file: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "## %s\n\n%s\n\n", time.Now().Format(time.RFC3339), message); err != nil {
		return fmt.Errorf("write delivery file: %w", err)
	}
	return nil
}
