package relay

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const presenceKeyPrefix = "presence:user:"

func presenceKey(userID string) string { return presenceKeyPrefix + userID }

// RedisPresence keeps, per user, the set of instances holding a live connection. Each member is scored
// with its expiry so an instance that dies without cleaning up drops out after ttl.
type RedisPresence struct {
	client     *redis.Client
	instanceID string
	ttl        time.Duration
	now        func() time.Time
}

func NewRedisPresence(client *redis.Client, instanceID string, ttl time.Duration) *RedisPresence {
	return &RedisPresence{
		client:     client,
		instanceID: instanceID,
		ttl:        ttl,
		now:        time.Now,
	}
}

// MarkOnline adds this instance to the user's set and reports whether no other live instance was in it.
func (r *RedisPresence) MarkOnline(ctx context.Context, userID string) (bool, error) {
	key := presenceKey(userID)
	now := r.now()

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.UnixMilli(), 10))
	pipe.ZRem(ctx, key, r.instanceID)
	others := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.Add(r.ttl).UnixMilli()), Member: r.instanceID})
	pipe.PExpire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to mark %s online: %w", userID, err)
	}
	return others.Val() == 0, nil
}

// MarkOffline removes this instance from the user's set and reports whether no live instance is left.
func (r *RedisPresence) MarkOffline(ctx context.Context, userID string) (bool, error) {
	key := presenceKey(userID)

	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, key, r.instanceID)
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(r.now().UnixMilli(), 10))
	left := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to mark %s offline: %w", userID, err)
	}
	return left.Val() == 0, nil
}

// Refresh pushes the expiry of this instance forward for every user in userIDs.
func (r *RedisPresence) Refresh(ctx context.Context, userIDs []string) error {
	expiry := float64(r.now().Add(r.ttl).UnixMilli())

	pipe := r.client.Pipeline()
	for _, userID := range userIDs {
		key := presenceKey(userID)
		pipe.ZAdd(ctx, key, redis.Z{Score: expiry, Member: r.instanceID})
		pipe.PExpire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to refresh presence of %d users: %w", len(userIDs), err)
	}
	return nil
}
