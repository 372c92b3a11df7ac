package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/a-essam23/go-relay/pkg/state"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultCacheSize = 16384
	DefaultCacheTTL  = 30 * time.Second
)

type cacheKey struct {
	userID    string
	channelID string
}

type cacheEntry struct {
	serverID    string
	channelType state.ChannelType
	perms       state.Permission
	privileged  bool
}

// Checker answers authorization questions for the gateway. It pre-fetches the
// resolver input from the store and caches the resolved bitfield per member
// per channel until the TTL expires or a change invalidates it.
type Checker struct {
	store  state.Store
	cache  *expirable.LRU[cacheKey, cacheEntry]
	logger *slog.Logger
}

type CheckerOptions struct {
	CacheSize int
	CacheTTL  time.Duration
}

func NewChecker(store state.Store, opts CheckerOptions, logger *slog.Logger) *Checker {
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	return &Checker{
		store:  store,
		cache:  expirable.NewLRU[cacheKey, cacheEntry](opts.CacheSize, nil, opts.CacheTTL),
		logger: logger.With(slog.String("component", "permission_checker")),
	}
}

// Check decides whether userID may perform cap in channelID. Unknown channels
// and non-members are denied without an error; store failures are returned.
func (c *Checker) Check(ctx context.Context, userID, channelID string, cap Capability, kind PayloadKind) (Decision, error) {
	key := cacheKey{userID: userID, channelID: channelID}
	if e, ok := c.cache.Get(key); ok {
		return decide(e.perms, e.privileged, e.channelType, cap, kind), nil
	}

	snap, err := state.LoadSnapshot(ctx, c.store, userID, channelID)
	if errors.Is(err, state.ErrNotFound) {
		c.logger.Debug("Denying access to unknown channel or non-member",
			slog.String("userID", userID), slog.String("channelID", channelID), slog.Any("error", err))
		return Decision{Reason: "not a member of this channel"}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load permissions for '%s' in '%s': %w", userID, channelID, err)
	}

	perms, privileged := Resolve(snap)
	c.cache.Add(key, cacheEntry{
		serverID:    snap.Channel.ServerID,
		channelType: snap.Channel.Type,
		perms:       perms,
		privileged:  privileged,
	})
	return decide(perms, privileged, snap.Channel.Type, cap, kind), nil
}

// Invalidate drops every cached decision the change may affect.
func (c *Checker) Invalidate(change state.Change) int {
	removed := 0
	for _, key := range c.cache.Keys() {
		e, ok := c.cache.Peek(key)
		if !ok {
			continue
		}
		if !Affects(change, e.serverID, key.channelID, key.userID) {
			continue
		}
		if c.cache.Remove(key) {
			removed++
		}
	}
	c.logger.Debug("Invalidated cached permissions",
		slog.String("kind", string(change.Kind)),
		slog.String("serverID", change.ServerID),
		slog.Int("removed", removed),
	)
	return removed
}

// Purge forgets every cached decision, e.g. after invalidations may have
// been missed.
func (c *Checker) Purge() {
	c.cache.Purge()
}

// Affects reports whether change can alter the permissions of userID in
// channelID of serverID. Empty fields on the change match everything.
func Affects(change state.Change, serverID, channelID, userID string) bool {
	if change.ServerID != "" && change.ServerID != serverID {
		return false
	}
	if change.ChannelID != "" && change.ChannelID != channelID {
		return false
	}
	if change.UserID != "" && change.UserID != userID {
		return false
	}
	return true
}
