package kv

import (
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/campusflow/enrollment-core/internal/domain"
)

// Redis implements Store on a Redis-compatible backend.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an existing client. The composition root owns the client
// lifecycle.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx domain.Context, key string) ([]byte, bool, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("op=kv.get key=%s: %w", key, errors.Join(ErrUnavailable, err))
	}
	return b, true, nil
}

func (r *Redis) SetExpiring(ctx domain.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("op=kv.set key=%s: %w", key, errors.Join(ErrUnavailable, err))
	}
	return nil
}

func (r *Redis) SetIfAbsent(ctx domain.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("op=kv.setnx key=%s: %w", key, errors.Join(ErrUnavailable, err))
	}
	return ok, nil
}

func (r *Redis) Delete(ctx domain.Context, key string) (bool, error) {
	n, err := r.client.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("op=kv.del key=%s: %w", key, errors.Join(ErrUnavailable, err))
	}
	return n > 0, nil
}

func (r *Redis) Scan(ctx domain.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("op=kv.scan prefix=%s: %w", prefix, errors.Join(ErrUnavailable, err))
	}
	return keys, nil
}
