package kv

import (
	"strings"
	"sync"
	"time"

	"github.com/campusflow/enrollment-core/internal/domain"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Memory is a mutex-guarded in-process Store for tests and single-node runs.
type Memory struct {
	mu    sync.Mutex
	items map[string]memoryEntry
	now   func() time.Time
}

// NewMemory constructs an empty store using the wall clock.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]memoryEntry), now: time.Now}
}

// SetClock replaces the time source; tests use it to expire entries.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Get(_ domain.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[key]
	if !ok || e.expired(m.now()) {
		delete(m.items, key)
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (m *Memory) SetExpiring(_ domain.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = memoryEntry{value: append([]byte(nil), value...), expiresAt: m.expiry(ttl)}
	return nil
}

func (m *Memory) SetIfAbsent(_ domain.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.items[key]; ok && !e.expired(m.now()) {
		return false, nil
	}
	m.items[key] = memoryEntry{value: append([]byte(nil), value...), expiresAt: m.expiry(ttl)}
	return true, nil
}

func (m *Memory) Delete(_ domain.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[key]
	delete(m.items, key)
	return ok && !e.expired(m.now()), nil
}

func (m *Memory) Scan(_ domain.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	now := m.now()
	for k, e := range m.items {
		if strings.HasPrefix(k, prefix) && !e.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}
