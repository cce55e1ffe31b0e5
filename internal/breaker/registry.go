package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/campusflow/enrollment-core/internal/domain"
	"github.com/campusflow/enrollment-core/internal/kv"
)

// Well-known breaker names.
const (
	NameDatabase = "database"
	NameRedis    = "redis"
	NameExternal = "external"
)

// Registry owns breakers by name for the process lifetime. An optional KV
// store mirrors state snapshots under breaker:<name>; the mirror is best
// effort and converges eventually.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker

	snapshots   kv.Store
	snapshotTTL time.Duration
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker)}
}

// WithSnapshots mirrors breaker state into the given KV store on every
// transition.
func (r *Registry) WithSnapshots(store kv.Store, ttl time.Duration) *Registry {
	r.snapshots = store
	r.snapshotTTL = ttl
	return r
}

// GetOrCreate returns the shared breaker for name, creating it with cfg on
// first reference.
func (r *Registry) GetOrCreate(name string, cfg Config) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := New(name, cfg)
	if r.snapshots != nil {
		cb.onChange = func(s Stats) { r.persist(s) }
	}
	r.breakers[name] = cb
	return cb
}

// Get returns the breaker for name, or nil if it was never created.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.breakers[name]
}

// Snapshot returns the stats of every registered breaker.
func (r *Registry) Snapshot() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Stats, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.Snapshot()
	}
	return out
}

// Reset returns a breaker to closed for operator use.
func (r *Registry) Reset(name string) error {
	r.mu.Lock()
	cb, ok := r.breakers[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("op=breaker.reset name=%s: %w", name, domain.ErrNotFound)
	}
	cb.Reset()
	return nil
}

// persist is fire-and-forget: a failed mirror write never affects callers.
func (r *Registry) persist(s Stats) {
	go func() {
		b, err := json.Marshal(s)
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.snapshots.SetExpiring(ctx, kv.PrefixBreaker+s.Name, b, r.snapshotTTL); err != nil {
			slog.Warn("breaker snapshot write failed",
				slog.String("name", s.Name),
				slog.Any("error", err))
		}
	}()
}
