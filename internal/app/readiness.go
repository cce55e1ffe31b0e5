package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Pinger is the minimal interface of a dependency capable of Ping. Both the
// pgx pool and the franz-go client satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BuildReadinessChecks returns the db, redis and kafka probes for /readyz.
// A nil dependency yields a failing probe so a misconfigured process never
// reports ready.
func BuildReadinessChecks(pool Pinger, rdb redis.UniversalClient, kafka Pinger) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	redisCheck := func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
	kafkaCheck := func(ctx context.Context) error {
		if kafka == nil {
			return fmt.Errorf("kafka not configured")
		}
		return kafka.Ping(ctx)
	}
	return dbCheck, redisCheck, kafkaCheck
}
