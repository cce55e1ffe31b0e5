// Package reservation implements the short-TTL advisory lock on group codes.
// The lock is a fast path that prevents thundering herds during capacity
// contention; correctness lives in the store's row-locked counter check.
package reservation

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/campusflow/enrollment-core/internal/domain"
	"github.com/campusflow/enrollment-core/internal/kv"
	"github.com/campusflow/enrollment-core/internal/observability"
)

// DefaultTTL bounds the worst-case hold when a process crashes mid-saga.
const DefaultTTL = 5 * time.Minute

// Handle identifies one acquisition. Handles are not re-entrant: reserving a
// code twice from the same caller conflicts like any other contender.
type Handle struct {
	holder string
	codes  []string
}

// Holder returns the opaque holder id written into the lock keys.
func (h *Handle) Holder() string { return h.holder }

// Codes returns the group codes held, in acquisition order.
func (h *Handle) Codes() []string { return append([]string(nil), h.codes...) }

// Reserver acquires and releases group locks on a KV store.
type Reserver struct {
	kv  kv.Store
	ttl time.Duration
}

// New constructs a Reserver. ttl <= 0 falls back to DefaultTTL.
func New(store kv.Store, ttl time.Duration) *Reserver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Reserver{kv: store, ttl: ttl}
}

// Reserve acquires lock:group:<code> for every code, in input order. On the
// first conflict it releases the locks already taken, in reverse order, and
// fails naming the contested group.
func (r *Reserver) Reserve(ctx domain.Context, codes []string, ttl time.Duration) (*Handle, error) {
	if len(codes) == 0 {
		return nil, fmt.Errorf("op=reservation.reserve: %w", domain.ErrInvalidArgument)
	}
	if ttl <= 0 {
		ttl = r.ttl
	}
	h := &Handle{holder: uuid.New().String()}
	for _, code := range codes {
		acquired, err := r.kv.SetIfAbsent(ctx, kv.PrefixGroupLock+code, []byte(h.holder), ttl)
		if err != nil {
			r.rollback(ctx, h)
			return nil, fmt.Errorf("op=reservation.reserve group=%s: %w", code, err)
		}
		if !acquired {
			r.rollback(ctx, h)
			return nil, domain.E(domain.CategoryLockConflict, "group %s is locked by another enrollment", code)
		}
		h.codes = append(h.codes, code)
	}
	return h, nil
}

// Release deletes the lock keys in reverse acquisition order. A key whose
// stored holder no longer matches is left alone: the handle expired and the
// lock belongs to someone else now. Individual failures are logged and do
// not stop the walk; the TTL is the backstop.
func (r *Reserver) Release(ctx domain.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	lg := observability.LoggerFromContext(ctx)
	var firstErr error
	for i := len(h.codes) - 1; i >= 0; i-- {
		key := kv.PrefixGroupLock + h.codes[i]
		val, found, err := r.kv.Get(ctx, key)
		if err != nil {
			lg.Warn("reservation release failed",
				slog.String("group", h.codes[i]),
				slog.Any("error", err))
			if firstErr == nil {
				firstErr = fmt.Errorf("op=reservation.release group=%s: %w", h.codes[i], err)
			}
			continue
		}
		if !found {
			continue
		}
		if string(val) != h.holder {
			lg.Warn("reservation expired and reacquired elsewhere, leaving lock",
				slog.String("group", h.codes[i]))
			continue
		}
		if _, err := r.kv.Delete(ctx, key); err != nil {
			lg.Warn("reservation release failed",
				slog.String("group", h.codes[i]),
				slog.Any("error", err))
			if firstErr == nil {
				firstErr = fmt.Errorf("op=reservation.release group=%s: %w", h.codes[i], err)
			}
		}
	}
	h.codes = nil
	return firstErr
}

func (r *Reserver) rollback(ctx domain.Context, h *Handle) {
	_ = r.Release(ctx, h)
}
