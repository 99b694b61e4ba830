// Package cache keeps the per-guild set of forum channels that have moderation enabled.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

// Loader returns the ids of the registered forums of a guild.
type Loader interface {
	ForumIDs(ctx context.Context, guildID string) ([]string, error)
}

type forumSet map[string]struct{}

// ForumCache memoizes Loader results per guild. Entries expire after the configured TTL and
// the whole cache can be dropped with Clear.
type ForumCache struct {
	loader Loader
	logger *zap.Logger
	data   *expirable.LRU[string, forumSet]

	// serializes lazy fills so one guild is loaded once
	mu sync.Mutex
}

// NewForumCache builds a cache holding at most capacity guilds.
func NewForumCache(loader Loader, capacity int, ttl time.Duration, logger *zap.Logger) *ForumCache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &ForumCache{
		loader: loader,
		logger: logger,
		data:   expirable.NewLRU[string, forumSet](capacity, nil, ttl),
	}
}

// Fetch returns the enabled forum ids of a guild, loading them on first use.
func (c *ForumCache) Fetch(ctx context.Context, guildID string) (map[string]struct{}, error) {
	if set, ok := c.data.Get(guildID); ok {
		return set, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.data.Get(guildID); ok {
		return set, nil
	}

	ids, err := c.loader.ForumIDs(ctx, guildID)
	if err != nil {
		return nil, err
	}
	set := make(forumSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	c.data.Add(guildID, set)
	c.logger.Debug("forum cache filled", zap.String("guild_id", guildID), zap.Int("forums", len(set)))
	return set, nil
}

// IsEnabled resolves a thread to its parent forum and reports whether that forum is registered.
// The returned id is the forum's, empty when disabled.
func (c *ForumCache) IsEnabled(ctx context.Context, ch *discordgo.Channel) (string, bool) {
	if ch == nil || ch.GuildID == "" {
		return "", false
	}
	forumID := ch.ID
	if ch.IsThread() {
		forumID = ch.ParentID
	}
	if forumID == "" {
		return "", false
	}

	set, err := c.Fetch(ctx, ch.GuildID)
	if err != nil {
		c.logger.Warn("could not load enabled forums", zap.String("guild_id", ch.GuildID), zap.Error(err))
		return "", false
	}
	if _, ok := set[forumID]; !ok {
		return "", false
	}
	return forumID, true
}

// Reload drops one guild and loads it again.
func (c *ForumCache) Reload(ctx context.Context, guildID string) error {
	c.data.Remove(guildID)
	_, err := c.Fetch(ctx, guildID)
	return err
}

// Clear drops every guild.
func (c *ForumCache) Clear() {
	c.data.Purge()
	c.logger.Info("forum cache cleared")
}

// Len is the number of guilds currently cached.
func (c *ForumCache) Len() int {
	return c.data.Len()
}
