package redpanda

import (
	"fmt"
	"sync"

	"github.com/campusflow/enrollment-core/internal/domain"
)

// Handler processes one task envelope and returns the task result.
type Handler func(ctx domain.Context, env *Envelope) (any, error)

// Registry maps handler names to handlers. Registration happens at startup;
// lookups run concurrently from workers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler name. Registering a duplicate name panics; that is
// a wiring bug, not a runtime condition.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("handler %q registered twice", name))
	}
	r.handlers[name] = h
}

// Lookup returns the handler for name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}
