package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisGroupLeases shares busy-group markers between worker processes.
type RedisGroupLeases struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisGroupLeases stores leases under prefix.
func NewRedisGroupLeases(client redis.UniversalClient, prefix string) *RedisGroupLeases {
	if prefix == "" {
		prefix = "queue:group:"
	}
	return &RedisGroupLeases{client: client, prefix: prefix}
}

func (r *RedisGroupLeases) key(group string) string {
	return r.prefix + group
}

func (r *RedisGroupLeases) TryAcquire(ctx context.Context, group, owner string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(group), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire group %s: %w", group, err)
	}
	if ok {
		return true, nil
	}

	// re-entrant for the current owner
	current, err := r.client.Get(ctx, r.key(group)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read group %s: %w", group, err)
	}
	return current == owner, nil
}

func (r *RedisGroupLeases) Extend(ctx context.Context, group, owner string, ttl time.Duration) error {
	if err := extendScript.Run(ctx, r.client, []string{r.key(group)}, owner, ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("failed to extend group %s: %w", group, err)
	}
	return nil
}

func (r *RedisGroupLeases) Release(ctx context.Context, group, owner string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key(group)}, owner).Err(); err != nil {
		return fmt.Errorf("failed to release group %s: %w", group, err)
	}
	return nil
}
