package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/campusflow/enrollment-core/internal/domain"
	"github.com/campusflow/enrollment-core/internal/kv"
	"github.com/campusflow/enrollment-core/internal/observability"
)

// Manager tracks in-process sagas and mirrors their snapshots into KV under
// saga:<id> so operators can inspect runs across worker restarts.
type Manager struct {
	mu    sync.RWMutex
	sagas map[string]*Saga

	snapshots   kv.Store
	snapshotTTL time.Duration
}

// NewManager constructs a Manager without snapshot persistence.
func NewManager() *Manager {
	return &Manager{sagas: make(map[string]*Saga)}
}

// WithSnapshots enables KV snapshot mirroring.
func (m *Manager) WithSnapshots(store kv.Store, ttl time.Duration) *Manager {
	m.snapshots = store
	m.snapshotTTL = ttl
	return m
}

// Run registers the saga, executes it, and persists the terminal snapshot.
// The returned error is the saga's execution error.
func (m *Manager) Run(ctx domain.Context, s *Saga) error {
	m.mu.Lock()
	m.sagas[s.ID()] = s
	m.mu.Unlock()

	m.persist(ctx, s)
	err := s.Execute(ctx)
	m.persist(ctx, s)
	return err
}

// Get returns the snapshot of a tracked saga. It falls back to the KV mirror
// for sagas executed by another process.
func (m *Manager) Get(ctx domain.Context, id string) (Snapshot, error) {
	m.mu.RLock()
	s, ok := m.sagas[id]
	m.mu.RUnlock()
	if ok {
		return s.Snapshot(), nil
	}

	if m.snapshots != nil {
		b, found, err := m.snapshots.Get(ctx, kv.PrefixSaga+id)
		if err != nil {
			return Snapshot{}, fmt.Errorf("op=saga.get id=%s: %w", id, err)
		}
		if found {
			var snap Snapshot
			if uerr := json.Unmarshal(b, &snap); uerr == nil {
				return snap, nil
			}
		}
	}
	return Snapshot{}, fmt.Errorf("op=saga.get id=%s: %w", id, domain.ErrNotFound)
}

// List returns snapshots of all sagas tracked in this process.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.sagas))
	for _, s := range m.sagas {
		out = append(out, s.Snapshot())
	}
	return out
}

// Prune drops terminal sagas from the in-process map and returns how many
// were removed. The KV mirror keeps them until its TTL lapses.
func (m *Manager) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sagas {
		switch s.Status() {
		case StatusCompleted, StatusCompensated, StatusFailed:
			delete(m.sagas, id)
			n++
		}
	}
	return n
}

// persist mirrors the snapshot best effort; a KV outage never affects the run.
func (m *Manager) persist(ctx domain.Context, s *Saga) {
	if m.snapshots == nil {
		return
	}
	snap := s.Snapshot()
	b, err := json.Marshal(snap)
	if err != nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := m.snapshots.SetExpiring(pctx, kv.PrefixSaga+snap.ID, b, m.snapshotTTL); err != nil {
		observability.LoggerFromContext(ctx).Warn("saga snapshot persist failed",
			slog.String("saga_id", snap.ID), slog.Any("error", err))
	}
}
