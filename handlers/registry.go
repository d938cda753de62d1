package handlers

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/wikimedia/commons-curator/errdefs"
)

// Registry resolves a provider tag to a Handler. Resolution happens at
// enqueue time so an unknown tag is a user-facing configuration error,
// never a surprise inside a worker.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler under its tag, replacing any previous one.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Tag()] = h
}

// Get resolves a tag. Unknown tags are invalid parameters.
func (r *Registry) Get(tag string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[tag]
	if !ok {
		return nil, errdefs.InvalidParameter(errors.Errorf("unknown handler %q", tag))
	}
	return h, nil
}

// Tags lists the registered provider tags, sorted.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.handlers))
	for tag := range r.handlers {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
