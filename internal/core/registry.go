package core

import (
	"fmt"
	"strings"
	"sync"
)

// Registry holds the file handlers in registration order. It is built in
// main and passed to the service; nothing registers itself.
type Registry struct {
	mu       sync.RWMutex
	handlers []FileHandler
}

// NewRegistry creates a registry holding handlers in the given order.
func NewRegistry(handlers ...FileHandler) *Registry {
	r := &Registry{}
	for _, h := range handlers {
		r.Register(h)
	}
	return r
}

// Register appends a handler.
// Panics if a handler with the same id is already registered.
func (r *Registry) Register(h FileHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.handlers {
		if existing.ID() == h.ID() {
			panic(fmt.Sprintf("handler already registered: %s", h.ID()))
		}
	}
	r.handlers = append(r.handlers, h)
}

// Resolve returns the single handler accepting files.
func (r *Registry) Resolve(files FileSet) (FileHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []FileHandler
	for _, h := range r.handlers {
		if h.CanHandle(files) {
			matched = append(matched, h)
		}
	}
	switch len(matched) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, files.Base())
	case 1:
		return matched[0], nil
	default:
		ids := make([]string, len(matched))
		for i, h := range matched {
			ids[i] = h.ID()
		}
		return nil, fmt.Errorf("%w: %s", ErrAmbiguousHandler, strings.Join(ids, ", "))
	}
}

// Get returns a handler by id.
// Returns false if not found.
func (r *Registry) Get(id string) (FileHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, h := range r.handlers {
		if h.ID() == id {
			return h, true
		}
	}
	return nil, false
}

// HandlerInfo describes a handler for clients.
type HandlerInfo struct {
	ID      string              `json:"id"`
	Actions map[Action][]string `json:"actions"`
}

// Handlers describes every registered handler in order.
func (r *Registry) Handlers() []HandlerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]HandlerInfo, 0, len(r.handlers))
	for _, h := range r.handlers {
		info := HandlerInfo{ID: h.ID(), Actions: make(map[Action][]string)}
		for _, a := range Actions {
			if tasks := h.Tasks(a); len(tasks) > 0 {
				info.Actions[a] = tasks
			}
		}
		out = append(out, info)
	}
	return out
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Reset removes all handlers.
// Primarily useful for testing.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = nil
}
