// Package cache stores computed page permission flags in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"pageperm/api/internal/permissions"
)

const defaultTTL = 5 * time.Minute

var errStale = errors.New("page permissions changed while computing")

// RedisCache keeps one hash per page, keyed by user id, so a synchronization
// can drop every user's flags for a page with a single DEL. Each page also has
// a generation counter that Invalidate bumps; SetFlags only writes when the
// generation read before computing is still current.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects to redisURL and verifies the connection.
func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisCacheWithClient(client, ttl), nil
}

func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisCache{
		client: client,
		prefix: "pageperm:",
		ttl:    ttl,
	}
}

func (c *RedisCache) flagsKey(pageID string) string {
	return c.prefix + "flags:" + pageID
}

// Generation keys never expire: a counter that vanished and was bumped back
// to an old value would let a stale write through.
func (c *RedisCache) genKey(pageID string) string {
	return c.prefix + "gen:" + pageID
}

// GetFlags returns the cached flags of userID on pageID. ok is false on a
// miss. generation is the page's counter at lookup time; pass it to SetFlags.
func (c *RedisCache) GetFlags(ctx context.Context, pageID, userID string) (flags permissions.Flags, generation int64, ok bool, err error) {
	var cached, gen *redis.StringCmd
	_, err = c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		cached = pipe.HGet(ctx, c.flagsKey(pageID), userID)
		gen = pipe.Get(ctx, c.genKey(pageID))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return permissions.Flags{}, 0, false, fmt.Errorf("get cached flags: %w", err)
	}

	generation, err = gen.Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return permissions.Flags{}, 0, false, fmt.Errorf("read cache generation: %w", err)
	}

	raw, err := cached.Result()
	if errors.Is(err, redis.Nil) {
		return permissions.Flags{}, generation, false, nil
	}
	if err != nil {
		return permissions.Flags{}, 0, false, fmt.Errorf("get cached flags: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &flags); err != nil {
		return permissions.Flags{}, 0, false, fmt.Errorf("unmarshal cached flags: %w", err)
	}
	return flags, generation, true, nil
}

// SetFlags stores flags computed at generation and refreshes the page hash's
// expiry. Nothing is written when the page was invalidated since, so flags
// computed from grants a synchronization replaced never reach the cache.
func (c *RedisCache) SetFlags(ctx context.Context, pageID, userID string, generation int64, flags permissions.Flags) error {
	data, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("marshal flags: %w", err)
	}

	key, genKey := c.flagsKey(pageID), c.genKey(pageID)
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != generation {
			return errStale
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, userID, data)
			pipe.Expire(ctx, key, c.ttl)
			return nil
		})
		return err
	}, genKey)
	switch {
	case errors.Is(err, errStale), errors.Is(err, redis.TxFailedErr):
		return nil
	case err != nil:
		return fmt.Errorf("cache flags: %w", err)
	}
	return nil
}

// Invalidate drops the cached flags of every user on the given pages and
// bumps their generations.
func (c *RedisCache) Invalidate(ctx context.Context, pageIDs ...string) error {
	if len(pageIDs) == 0 {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range pageIDs {
			pipe.Incr(ctx, c.genKey(id))
			pipe.Del(ctx, c.flagsKey(id))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidate cached flags: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
