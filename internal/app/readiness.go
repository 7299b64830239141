package app

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/redis/go-redis/v9"

	"github.com/drejom/rbiocverse-sub003/internal/config"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// BrokerPinger is the minimal interface for the event stream client.
type BrokerPinger interface{ Ping(ctx context.Context) error }

// BuildReadinessChecks returns the checks wired into /readyz: db, ssh,
// redis, and kafka. The redis and kafka checks are nil when the backing
// service is not configured; the handler skips nil checks.
func BuildReadinessChecks(cfg config.Config, pool Pinger, rdb *redis.Client, broker BrokerPinger) (
	dbCheck func(ctx context.Context) error,
	sshCheck func(ctx context.Context) error,
	redisCheck func(ctx context.Context) error,
	kafkaCheck func(ctx context.Context) error,
) {
	dbCheck = func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	// Every cluster operation shells out through the ssh binary; a
	// missing binary means nothing else can work.
	sshCheck = func(_ context.Context) error {
		_, err := exec.LookPath(cfg.SSHBinary)
		return err
	}
	if rdb != nil {
		redisCheck = func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}
	}
	if broker != nil {
		kafkaCheck = func(ctx context.Context) error {
			return broker.Ping(ctx)
		}
	}
	return dbCheck, sshCheck, redisCheck, kafkaCheck
}
