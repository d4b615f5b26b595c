package crawler

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry maps a source type to the crawler that processes it.
type Registry struct {
	mu       sync.RWMutex
	crawlers map[string]Crawler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{crawlers: make(map[string]Crawler)}
}

// Register adds c under c.Type(). Registering a type twice is an error.
func (r *Registry) Register(c Crawler) error {
	if c == nil {
		return errors.New("crawler is nil")
	}
	kind := c.Type()
	if kind == "" {
		return errors.New("crawler type is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.crawlers[kind]; exists {
		return fmt.Errorf("crawler type %q already registered", kind)
	}
	r.crawlers[kind] = c
	return nil
}

// Get returns the crawler registered for kind.
func (r *Registry) Get(kind string) (Crawler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.crawlers[kind]
	if !ok {
		return nil, fmt.Errorf("no crawler for type %q: %w", kind, ErrNotFound)
	}
	return c, nil
}

// SupportedTypes lists registered types in sorted order.
func (r *Registry) SupportedTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.crawlers))
	for kind := range r.crawlers {
		out = append(out, kind)
	}
	sort.Strings(out)
	return out
}
