// SPDX-License-Identifier: MIT

package artifact

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "mediad:artifact:status:"

// RedisCache is a StatusCache backed by a redis hash per media path.
// It exists for installs that already run redis next to the daemon; the
// memory backend remains the default.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects a cache to the redis instance at addr.
func NewRedisCache(addr string, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

func redisKey(mediaPath string) string {
	return redisKeyPrefix + mediaPath
}

func (c *RedisCache) Get(ctx context.Context, mediaPath string) (map[Kind]State, bool) {
	fields, err := c.client.HGetAll(ctx, redisKey(mediaPath)).Result()
	if err != nil || len(fields) == 0 {
		return nil, false
	}
	out := make(map[Kind]State, len(fields))
	for f, v := range fields {
		kind, err := ParseKind(f)
		if err != nil {
			continue
		}
		state := State(v)
		if !state.IsValid() {
			continue
		}
		out[kind] = state
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

func (c *RedisCache) Put(ctx context.Context, mediaPath string, states map[Kind]State) error {
	key := redisKey(mediaPath)
	fields := make(map[string]any, len(states))
	for k, v := range states {
		fields[string(k)] = string(v)
	}
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, c.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCache) Invalidate(ctx context.Context, mediaPath string, kind Kind) error {
	return c.client.HDel(ctx, redisKey(mediaPath), string(kind)).Err()
}

func (c *RedisCache) Drop(ctx context.Context, mediaPath string) error {
	return c.client.Del(ctx, redisKey(mediaPath)).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

var _ StatusCache = (*RedisCache)(nil)
