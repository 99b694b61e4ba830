package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeLoader struct {
	forums map[string][]string
	calls  map[string]int
	err    error
}

func (l *fakeLoader) ForumIDs(_ context.Context, guildID string) ([]string, error) {
	if l.calls == nil {
		l.calls = make(map[string]int)
	}
	l.calls[guildID]++
	if l.err != nil {
		return nil, l.err
	}
	return l.forums[guildID], nil
}

func newTestCache(l Loader) *ForumCache {
	return NewForumCache(l, 16, time.Hour, zap.NewNop())
}

func TestIsEnabled(t *testing.T) {
	ctx := context.Background()
	loader := &fakeLoader{forums: map[string][]string{"g1": {"f1", "f2"}}}
	c := newTestCache(loader)

	t.Run("forum", func(t *testing.T) {
		id, ok := c.IsEnabled(ctx, &discordgo.Channel{ID: "f1", GuildID: "g1", Type: discordgo.ChannelTypeGuildForum})
		assert.True(t, ok)
		assert.Equal(t, "f1", id)
	})

	t.Run("thread resolves to parent", func(t *testing.T) {
		id, ok := c.IsEnabled(ctx, &discordgo.Channel{ID: "t1", ParentID: "f2", GuildID: "g1", Type: discordgo.ChannelTypeGuildPublicThread})
		assert.True(t, ok)
		assert.Equal(t, "f2", id)
	})

	t.Run("unregistered forum", func(t *testing.T) {
		id, ok := c.IsEnabled(ctx, &discordgo.Channel{ID: "t2", ParentID: "f9", GuildID: "g1", Type: discordgo.ChannelTypeGuildPublicThread})
		assert.False(t, ok)
		assert.Empty(t, id)
	})

	t.Run("no guild", func(t *testing.T) {
		_, ok := c.IsEnabled(ctx, &discordgo.Channel{ID: "f1"})
		assert.False(t, ok)
	})

	assert.Equal(t, 1, loader.calls["g1"], "guild should be loaded once and memoized")
}

func TestClearAndReload(t *testing.T) {
	ctx := context.Background()
	loader := &fakeLoader{forums: map[string][]string{"g1": {"f1"}}}
	c := newTestCache(loader)

	_, err := c.Fetch(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())

	loader.forums["g1"] = []string{"f1", "f2"}
	set, err := c.Fetch(ctx, "g1")
	require.NoError(t, err)
	assert.NotContains(t, set, "f2", "stale until invalidated")

	require.NoError(t, c.Reload(ctx, "g1"))
	set, err = c.Fetch(ctx, "g1")
	require.NoError(t, err)
	assert.Contains(t, set, "f2")

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 2, loader.calls["g1"])
}

func TestLoaderErrorIsNotMemoized(t *testing.T) {
	ctx := context.Background()
	loader := &fakeLoader{err: errors.New("db down")}
	c := newTestCache(loader)

	_, ok := c.IsEnabled(ctx, &discordgo.Channel{ID: "f1", GuildID: "g1"})
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())

	loader.err = nil
	loader.forums = map[string][]string{"g1": {"f1"}}
	_, ok = c.IsEnabled(ctx, &discordgo.Channel{ID: "f1", GuildID: "g1"})
	assert.True(t, ok)
}

func TestEntriesExpire(t *testing.T) {
	ctx := context.Background()
	loader := &fakeLoader{forums: map[string][]string{"g1": {"f1"}}}
	c := NewForumCache(loader, 16, 20*time.Millisecond, zap.NewNop())

	_, err := c.Fetch(ctx, "g1")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	_, err = c.Fetch(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 2, loader.calls["g1"])
}
