package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// FailureWindow tracks per-provider recent failures for the optional (N,T)
// health filter (§4.5): a provider is excluded from selection if it has
// recorded N or more failures within the trailing T window. Adapted from
// the teacher's per-minute RPM/TPM counter keys, but using a sorted set so
// an arbitrary trailing window (not just whole minutes) can be queried.
type FailureWindow interface {
	RecordFailure(ctx context.Context, providerID int64, at time.Time) error
	CountRecentFailures(ctx context.Context, providerID int64, window time.Duration) (int, error)
}

type RedisFailureWindow struct {
	client *redis.Client
}

func NewRedisFailureWindow(addr, password string) *RedisFailureWindow {
	return &RedisFailureWindow{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
	}
}

func failureKey(providerID int64) string {
	return fmt.Sprintf("gateway:failures:%d", providerID)
}

// RecordFailure adds a member scored by its unix-nano timestamp and trims
// anything older than the widest window this gateway cares about, so the
// set never grows unbounded.
func (w *RedisFailureWindow) RecordFailure(ctx context.Context, providerID int64, at time.Time) error {
	key := failureKey(providerID)
	score := float64(at.UnixNano())
	member := fmt.Sprintf("%d", at.UnixNano())

	pipe := w.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", time.Now().Add(-24*time.Hour).UnixNano()))
	pipe.Expire(ctx, key, 24*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

func (w *RedisFailureWindow) CountRecentFailures(ctx context.Context, providerID int64, window time.Duration) (int, error) {
	key := failureKey(providerID)
	min := fmt.Sprintf("%d", time.Now().Add(-window).UnixNano())
	n, err := w.client.ZCount(ctx, key, min, "+inf").Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
