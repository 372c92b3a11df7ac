package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/a-essam23/go-relay/pkg/state"
	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "relay:cache:"

// RedisCache is a read-through cache in front of another Store. Entries are
// JSON values stored with a TTL so the cache never outlives its freshness
// bound; Redis failures fall through to the wrapped store.
type RedisCache struct {
	rdb    redis.UniversalClient
	inner  state.Store
	ttl    time.Duration
	logger *slog.Logger
}

var (
	_ state.Store          = (*RedisCache)(nil)
	_ state.ChangeNotifier = (*RedisCache)(nil)
)

func NewRedisCache(rdb redis.UniversalClient, inner state.Store, ttl time.Duration, logger *slog.Logger) *RedisCache {
	return &RedisCache{
		rdb:    rdb,
		inner:  inner,
		ttl:    ttl,
		logger: logger.With(slog.String("component", "state_store_rediscache")),
	}
}

func serverKey(serverID string) string { return cacheKeyPrefix + "server:" + serverID }
func channelKey(channelID string) string { return cacheKeyPrefix + "channel:" + channelID }
func rolesKey(serverID string) string { return cacheKeyPrefix + "roles:" + serverID }
func memberKey(serverID, userID string) string { return cacheKeyPrefix + "member:" + serverID + ":" + userID }
func memberPattern(serverID string) string { return cacheKeyPrefix + "member:" + serverID + ":*" }

func (c *RedisCache) Server(ctx context.Context, serverID string) (*state.Server, error) {
	return readThrough(ctx, c, serverKey(serverID), func() (*state.Server, error) {
		return c.inner.Server(ctx, serverID)
	})
}

func (c *RedisCache) Channel(ctx context.Context, channelID string) (*state.Channel, error) {
	return readThrough(ctx, c, channelKey(channelID), func() (*state.Channel, error) {
		return c.inner.Channel(ctx, channelID)
	})
}

func (c *RedisCache) Member(ctx context.Context, serverID, userID string) (*state.Member, error) {
	return readThrough(ctx, c, memberKey(serverID, userID), func() (*state.Member, error) {
		return c.inner.Member(ctx, serverID, userID)
	})
}

func (c *RedisCache) Roles(ctx context.Context, serverID string) (map[string]state.Role, error) {
	roles, err := readThrough(ctx, c, rolesKey(serverID), func() (*map[string]state.Role, error) {
		r, err := c.inner.Roles(ctx, serverID)
		if err != nil {
			return nil, err
		}
		return &r, nil
	})
	if err != nil {
		return nil, err
	}
	return *roles, nil
}

func readThrough[T any](ctx context.Context, c *RedisCache, key string, load func() (*T, error)) (*T, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var v T
		if uErr := json.Unmarshal(raw, &v); uErr == nil {
			return &v, nil
		}
		c.logger.Warn("Discarding undecodable cache entry", slog.String("key", key))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("Cache read failed, falling back to store", slog.String("key", key), slog.Any("error", err))
	}

	v, err := load()
	if err != nil {
		return nil, err
	}
	if data, mErr := json.Marshal(v); mErr == nil {
		if sErr := c.rdb.Set(ctx, key, data, c.ttl).Err(); sErr != nil {
			c.logger.Warn("Cache write failed", slog.String("key", key), slog.Any("error", sErr))
		}
	}
	return v, nil
}

// NotifyChange drops the cache entries a change may have made stale.
func (c *RedisCache) NotifyChange(ctx context.Context, change state.Change) {
	var keys []string
	switch change.Kind {
	case state.ChangeServer:
		keys = append(keys, serverKey(change.ServerID), rolesKey(change.ServerID))
	case state.ChangeRole:
		keys = append(keys, rolesKey(change.ServerID))
	case state.ChangeChannel, state.ChangeOverride:
		if change.ChannelID != "" {
			keys = append(keys, channelKey(change.ChannelID))
		}
	case state.ChangeMember:
		if change.UserID != "" {
			keys = append(keys, memberKey(change.ServerID, change.UserID))
		} else {
			keys = append(keys, c.scanKeys(ctx, memberPattern(change.ServerID))...)
		}
	}
	if len(keys) == 0 {
		return
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("Cache invalidation failed", slog.Any("keys", keys), slog.Any("error", err))
	}
}

func (c *RedisCache) scanKeys(ctx context.Context, pattern string) []string {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn("Cache scan failed", slog.String("pattern", pattern), slog.Any("error", err))
	}
	return keys
}
