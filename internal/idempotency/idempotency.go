// Package idempotency deduplicates logically identical requests by caching
// result envelopes under a deterministic fingerprint of the request.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/campusflow/enrollment-core/internal/domain"
	"github.com/campusflow/enrollment-core/internal/kv"
	"github.com/campusflow/enrollment-core/internal/observability"
)

// Fingerprint builds the idempotency key for (operation, principal, payload):
// a SHA-256 over the canonicalized payload, truncated to 16 hex characters and
// namespaced as <operation>:<principal>:<hash16>. Payloads that differ only in
// collection order hash identically.
func Fingerprint(operation, principal string, payload any) (string, error) {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("op=idempotency.fingerprint: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return fmt.Sprintf("%s:%s:%s", operation, principal, hex.EncodeToString(sum[:])[:16]), nil
}

// canonicalJSON round-trips payload through JSON to strip type identity, sorts
// string collections recursively, and re-serializes compactly. encoding/json
// already emits map keys in sorted order.
func canonicalJSON(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(normalize(v))
}

func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = normalize(e)
		}
		return t
	case []any:
		allStrings := len(t) > 0
		for i, e := range t {
			t[i] = normalize(e)
			if _, ok := t[i].(string); !ok {
				allStrings = false
			}
		}
		if allStrings {
			ss := make([]string, len(t))
			for i, e := range t {
				ss[i] = e.(string)
			}
			sort.Strings(ss)
			out := make([]any, len(ss))
			for i, s := range ss {
				out[i] = s
			}
			return out
		}
		return t
	default:
		return v
	}
}

// Envelope is the cached view of one completed operation.
type Envelope struct {
	Key      string          `json:"key"`
	Result   json.RawMessage `json:"result"`
	CachedAt time.Time       `json:"cached_at"`
}

// Store caches operation results in KV under idempotency:<fingerprint>.
// It does not enforce mutual exclusion across concurrent in-flight producers
// for the same key; the enrollment path is itself idempotent via the
// reservation plus unique-constraint path, so duplicate producers are safe.
type Store struct {
	kv  kv.Store
	ttl time.Duration
}

// New constructs a Store with the given default TTL.
func New(store kv.Store, ttl time.Duration) *Store {
	return &Store{kv: store, ttl: ttl}
}

// DefaultTTL returns the store's configured TTL.
func (s *Store) DefaultTTL() time.Duration { return s.ttl }

// GetOrRun returns the cached result for key, or runs producer and caches its
// result. The cached flag is true on a hit. Cache-write failures are logged
// and never fail the operation.
func (s *Store) GetOrRun(ctx domain.Context, key string, ttl time.Duration, producer func(domain.Context) (any, error)) (json.RawMessage, bool, error) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	full := kv.PrefixIdempotency + key

	if b, ok, err := s.kv.Get(ctx, full); err == nil && ok {
		var env Envelope
		if uerr := json.Unmarshal(b, &env); uerr == nil {
			return env.Result, true, nil
		}
		// Corrupt entry: fall through and recompute.
		slog.Warn("idempotency entry unreadable, recomputing", slog.String("key", key))
	} else if err != nil {
		// A KV outage must not block the operation; proceed uncached.
		slog.Warn("idempotency lookup failed, proceeding uncached",
			slog.String("key", key), slog.Any("error", err))
	}

	out, err := producer(ctx)
	if err != nil {
		return nil, false, err
	}
	result, err := json.Marshal(out)
	if err != nil {
		return nil, false, fmt.Errorf("op=idempotency.get_or_run key=%s: %w", key, err)
	}

	env := Envelope{Key: key, Result: result, CachedAt: time.Now().UTC()}
	if b, merr := json.Marshal(env); merr == nil {
		if werr := s.kv.SetExpiring(ctx, full, b, ttl); werr != nil {
			slog.Warn("idempotency cache write failed",
				slog.String("key", key), slog.Any("error", werr))
		}
	}
	observability.LoggerFromContext(ctx).Debug("idempotency miss", slog.String("key", key))
	return result, false, nil
}

// Invalidate removes a cached result; returns whether the key existed.
func (s *Store) Invalidate(ctx domain.Context, key string) (bool, error) {
	existed, err := s.kv.Delete(ctx, kv.PrefixIdempotency+key)
	if err != nil {
		return false, fmt.Errorf("op=idempotency.invalidate key=%s: %w", key, err)
	}
	return existed, nil
}
