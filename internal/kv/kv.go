// Package kv defines the narrow key-value abstraction the core builds its
// idempotency cache, reservation locks and state snapshots on. The production
// backend is Redis; tests use the in-memory store.
package kv

import (
	"errors"
	"time"

	"github.com/campusflow/enrollment-core/internal/domain"
)

// ErrUnavailable marks transport-level failures, as opposed to a plain miss.
// Callers distinguish the two: Get returns (nil, false, nil) on a miss and a
// wrapped ErrUnavailable when the backend could not be reached.
var ErrUnavailable = errors.New("kv unavailable")

// Key prefixes for the persisted state layout.
const (
	PrefixIdempotency = "idempotency:"
	PrefixGroupLock   = "lock:group:"
	PrefixBreaker     = "breaker:"
	PrefixSaga        = "saga:"
	PrefixTaskMeta    = "task_meta:"
)

//go:generate mockery --name=Store --with-expecter --filename=kv_store_mock.go

// Store is string-keyed bytes with TTL. SetIfAbsent must be atomic under
// concurrent callers.
type Store interface {
	Get(ctx domain.Context, key string) ([]byte, bool, error)
	SetExpiring(ctx domain.Context, key string, value []byte, ttl time.Duration) error
	// SetIfAbsent returns true when this caller created the key.
	SetIfAbsent(ctx domain.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Delete returns true when the key existed.
	Delete(ctx domain.Context, key string) (bool, error)
	// Scan returns the keys matching prefix.
	Scan(ctx domain.Context, prefix string) ([]string, error)
}
