package cleanup

import (
	"context"
	"testing"
	"time"

	"forum-automod/export"
	"forum-automod/models"
	"forum-automod/platform/platformtest"
	"forum-automod/queue"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type settingsStore map[string]models.GuildSettings

func (s settingsStore) GuildSettings(_ context.Context, guildID string) (models.GuildSettings, error) {
	if g, ok := s[guildID]; ok {
		return g, nil
	}
	return models.GuildSettings{GuildID: guildID, CleanupEnabled: true}, nil
}

type harness struct {
	fake     *platformtest.Fake
	settings settingsStore
	queue    *queue.Scheduler
	engine   *Engine
	forum    *discordgo.Channel
	config   *models.ForumConfig
	now      time.Time
}

func newHarness(t *testing.T, rules ...models.CleanupRule) *harness {
	t.Helper()
	fake := platformtest.New()
	forum := fake.AddForum("g1", "1000", "help")
	logger := zap.NewNop()
	sched := queue.New(500*time.Millisecond, fake, logger)
	settings := settingsStore{}
	opts := DefaultOptions
	opts.RegexDeleteDelay = 0
	return &harness{
		fake:     fake,
		settings: settings,
		queue:    sched,
		engine:   NewEngine(fake, settings, sched, export.NewExporter(fake, 0, logger), opts, logger),
		forum:    forum,
		config:   &models.ForumConfig{ID: forum.ID, GuildID: "g1", Name: "help", CleanupRules: rules},
		now:      time.Now(),
	}
}

func (h *harness) thread(owner, name, content string, age time.Duration) *discordgo.Channel {
	thread, _ := h.fake.AddThread(h.forum, owner, name, content, h.now.Add(-age))
	return thread
}

func (h *harness) run(threads ...*discordgo.Channel) models.CleanupResult {
	return h.engine.Run(context.Background(), h.config, threads)
}

func (h *harness) drain() {
	for h.queue.Step(context.Background()) {
	}
}

const day = 24 * time.Hour

func TestOldThreadEndToEnd(t *testing.T) {
	h := newHarness(t, models.CleanupRule{Key: models.CleanupOld, Days: 30})
	stale := h.thread("u1", "stale", "nobody answered", 40*day)
	active := h.thread("u2", "active", "still going", 60*day)
	h.fake.AddMessage(active.ID, "u3", "bump", h.now.Add(-day))

	result := h.run(stale, active)
	assert.Equal(t, 2, result.Evaluated)
	assert.Equal(t, 1, result.Deleted)
	assert.Equal(t, 1, h.queue.Status().Low, "cleanup deletions use the low lane")

	h.drain()
	assert.Equal(t, []string{stale.ID}, h.fake.DeletedChannels)
	assert.Contains(t, h.fake.AuditReasons[stale.ID], "30-day")
	assert.Contains(t, h.fake.AuditReasons[stale.ID], "`stale`")
}

func TestSecondPassIsIdempotent(t *testing.T) {
	h := newHarness(t,
		models.CleanupRule{Key: models.CleanupOld, Days: 30},
		models.CleanupRule{Key: models.CleanupMissing},
	)
	stale := h.thread("u1", "stale", "nobody answered", 40*day)

	assert.Equal(t, 1, h.run(stale).Deleted)
	h.drain()
	require.Equal(t, []string{stale.ID}, h.fake.DeletedChannels)

	assert.NotPanics(t, func() {
		result := h.run(stale)
		assert.Equal(t, 0, result.Deleted)
	})
	assert.True(t, h.queue.Empty())
	assert.Equal(t, 0, h.run().Evaluated)
}

func TestAbandoned(t *testing.T) {
	h := newHarness(t, models.CleanupRule{Key: models.CleanupAbandoned})
	h.fake.AddMember("g1", "u1")
	kept := h.thread("u1", "member", "hello", day)
	gone := h.thread("u2", "left", "hello", day)

	assert.Equal(t, 1, h.run(kept, gone).Deleted)
	h.drain()
	assert.Equal(t, []string{gone.ID}, h.fake.DeletedChannels)
	assert.NotContains(t, h.fake.AuditReasons, gone.ID, "abandoned threads carry no reason")
}

func TestAbandonedSkippedWithoutMemberList(t *testing.T) {
	h := newHarness(t, models.CleanupRule{Key: models.CleanupAbandoned})
	h.fake.Fail("GuildMembers", "", platformtest.Forbidden())
	thread := h.thread("u2", "left", "hello", day)

	assert.Equal(t, 0, h.run(thread).Deleted)
	assert.True(t, h.queue.Empty())
}

func TestMembersArePaged(t *testing.T) {
	h := newHarness(t, models.CleanupRule{Key: models.CleanupAbandoned})
	base := h.now.Add(-365 * day)
	var last string
	for i := 0; i <= memberPageSize; i++ {
		last = platformtest.Snowflake(base.Add(time.Duration(i)*time.Millisecond), 0)
		h.fake.AddMember("g1", last)
	}
	thread := h.thread(last, "late joiner", "hello", day)

	assert.Equal(t, 0, h.run(thread).Deleted)
	assert.Equal(t, 2, h.fake.Calls("GuildMembers"))
}

func TestRegexDeletesMessagesOnly(t *testing.T) {
	h := newHarness(t,
		models.CleanupRule{Key: models.CleanupRegex, Extra: `discord\.gg/\w+`},
		models.CleanupRule{Key: models.CleanupRegex, Extra: "free nitro"},
	)
	thread := h.thread("u1", "help", "my question", day)
	spam := h.fake.AddMessage(thread.ID, "u2", "join discord.gg/abc", h.now.Add(-time.Hour))
	h.fake.AddMessage(thread.ID, "u3", "a real answer", h.now.Add(-50*time.Minute))
	nitro := h.fake.AddMessage(thread.ID, "u4", "FREE NITRO here", h.now.Add(-40*time.Minute))

	result := h.run(thread)
	assert.Equal(t, 0, result.Deleted)
	assert.Equal(t, 2, result.Messages)
	assert.Equal(t, 2, h.queue.Status().Low)

	h.drain()
	assert.Empty(t, h.fake.DeletedChannels)
	assert.ElementsMatch(t, []platformtest.DeletedMessage{
		{ChannelID: thread.ID, MessageID: spam.ID},
		{ChannelID: thread.ID, MessageID: nitro.ID},
	}, h.fake.DeletedMessages)
}

func TestRegexReadsOnlyTheNewestMessages(t *testing.T) {
	h := newHarness(t, models.CleanupRule{Key: models.CleanupRegex, Extra: "free nitro"})
	h.engine.opts.RegexScanLimit = 3
	thread := h.thread("u1", "help", "my question", day)
	h.fake.AddMessage(thread.ID, "u2", "free nitro, old offer", h.now.Add(-4*time.Hour))
	h.fake.AddMessage(thread.ID, "u3", "an answer", h.now.Add(-3*time.Hour))
	recent := h.fake.AddMessage(thread.ID, "u2", "free nitro again", h.now.Add(-2*time.Hour))
	h.fake.AddMessage(thread.ID, "u3", "thanks", h.now.Add(-time.Hour))

	result := h.run(thread)
	assert.Equal(t, 1, result.Messages)
	h.drain()
	assert.Equal(t, []platformtest.DeletedMessage{{ChannelID: thread.ID, MessageID: recent.ID}}, h.fake.DeletedMessages)
}

func TestRegexPagesUpToTheLimit(t *testing.T) {
	h := newHarness(t, models.CleanupRule{Key: models.CleanupRegex, Extra: "free nitro"})
	h.engine.opts.RegexScanLimit = 150
	thread := h.thread("u1", "help", "my question", day)
	for i := 0; i < 250; i++ {
		h.fake.AddMessage(thread.ID, "u2", "free nitro", h.now.Add(-time.Duration(250-i)*time.Minute))
	}

	assert.Equal(t, 150, h.run(thread).Messages)
	assert.Equal(t, 2, h.fake.Calls("ChannelMessages"))
}

func TestRegexDoesNotShortCircuit(t *testing.T) {
	h := newHarness(t,
		models.CleanupRule{Key: models.CleanupRegex, Extra: "free nitro"},
		models.CleanupRule{Key: models.CleanupMissing},
	)
	thread := h.thread("u1", "orphan", "my question", day)
	h.fake.AddMessage(thread.ID, "u4", "free nitro", h.now.Add(-time.Hour))
	h.fake.RemoveStarter(thread.ID)

	result := h.run(thread)
	assert.Equal(t, 1, result.Messages)
	assert.Equal(t, 1, result.Deleted)
	assert.Equal(t, 2, h.queue.Status().Low)
}

func TestRegexDelay(t *testing.T) {
	h := newHarness(t, models.CleanupRule{Key: models.CleanupRegex, Extra: "free nitro"})
	h.engine.opts.RegexDeleteDelay = 20 * time.Millisecond
	thread := h.thread("u1", "help", "my question", day)
	h.fake.AddMessage(thread.ID, "u4", "free nitro", h.now.Add(-time.Hour))

	h.run(thread)
	assert.Eventually(t, func() bool { return h.queue.Status().Low == 1 }, time.Second, 5*time.Millisecond)
}

func TestRegexDelayCancelledWithThread(t *testing.T) {
	h := newHarness(t, models.CleanupRule{Key: models.CleanupRegex, Extra: "free nitro"})
	h.engine.opts.RegexDeleteDelay = 50 * time.Millisecond
	thread := h.thread("u1", "help", "my question", day)
	h.fake.AddMessage(thread.ID, "u4", "free nitro", h.now.Add(-time.Hour))
	h.fake.AddMessage(thread.ID, "u5", "free nitro too", h.now.Add(-time.Minute))

	assert.Equal(t, 2, h.run(thread).Messages)
	assert.Equal(t, 2, h.engine.RemoveChannel(thread.ID))
	assert.Zero(t, h.engine.RemoveChannel(thread.ID))
	assert.Never(t, func() bool { return h.queue.Status().Total() > 0 }, 150*time.Millisecond, 10*time.Millisecond)
}

func TestMalformedRegexIsSkipped(t *testing.T) {
	h := newHarness(t,
		models.CleanupRule{Key: models.CleanupRegex, Extra: "(broken"},
		models.CleanupRule{Key: models.CleanupMissing},
	)
	thread := h.thread("u1", "orphan", "my question", day)
	h.fake.RemoveStarter(thread.ID)

	result := h.run(thread)
	assert.Equal(t, 0, result.Messages)
	assert.Equal(t, 1, result.Deleted)
}

func TestMissingStarter(t *testing.T) {
	h := newHarness(t, models.CleanupRule{Key: models.CleanupMissing})
	orphan := h.thread("u1", "orphan", "question", day)
	h.fake.AddMessage(orphan.ID, "u2", "answer", h.now.Add(-time.Hour))
	h.fake.RemoveStarter(orphan.ID)
	intact := h.thread("u1", "intact", "question", day)

	assert.Equal(t, 1, h.run(orphan, intact).Deleted)
	h.drain()
	assert.Equal(t, []string{orphan.ID}, h.fake.DeletedChannels)
	assert.Contains(t, h.fake.AuditReasons[orphan.ID], "main message was missing")
}

func TestThreadsOfOtherForumsAreIgnored(t *testing.T) {
	h := newHarness(t, models.CleanupRule{Key: models.CleanupMissing})
	other := h.fake.AddForum("g1", "2000", "other")
	thread, _ := h.fake.AddThread(other, "u1", "elsewhere", "hello", h.now)
	h.fake.RemoveStarter(thread.ID)

	assert.Equal(t, 0, h.run(thread).Evaluated)
}

func TestNoRulesNoWork(t *testing.T) {
	h := newHarness(t)
	thread := h.thread("u1", "stale", "hello", 400*day)

	assert.Equal(t, models.CleanupResult{}, h.run(thread))
	assert.Zero(t, h.fake.Calls("ChannelMessages"))
}

func TestTranscriptPostedBeforeDelete(t *testing.T) {
	h := newHarness(t, models.CleanupRule{Key: models.CleanupOld, Days: 30})
	h.fake.AddForum("g1", "log", "cleanup-log")
	h.settings["g1"] = models.GuildSettings{GuildID: "g1", Name: "Guild", CleanupEnabled: true, CleanupLogChannelID: "log"}
	stale := h.thread("u1", "stale", "nobody answered", 40*day)

	h.run(stale)
	require.Len(t, h.fake.Complex["log"], 1, "transcript is posted when the verdict is reached")
	assert.Empty(t, h.fake.DeletedChannels)
	assert.Contains(t, h.fake.Complex["log"][0].Content, "stale has been automatically removed: `stale`")

	h.drain()
	assert.Equal(t, []string{stale.ID}, h.fake.DeletedChannels)
}

func TestTranscriptFailureDoesNotBlockDelete(t *testing.T) {
	h := newHarness(t, models.CleanupRule{Key: models.CleanupOld, Days: 30})
	h.settings["g1"] = models.GuildSettings{GuildID: "g1", CleanupLogChannelID: "log"}
	h.fake.Fail("ChannelMessageSendComplex", "", platformtest.Forbidden())
	stale := h.thread("u1", "stale", "nobody answered", 40*day)

	assert.Equal(t, 1, h.run(stale).Deleted)
	h.drain()
	assert.Equal(t, []string{stale.ID}, h.fake.DeletedChannels)
}

func TestRecoverStopsAtCeiling(t *testing.T) {
	h := newHarness(t)
	h.engine.opts.RecoveryCeiling = 3
	h.thread("u1", "open 1", "hello", day)
	h.thread("u1", "open 2", "hello", day)
	for i, name := range []string{"archived 1", "archived 2", "archived 3"} {
		th := h.thread("u2", name, "hello", 10*day)
		h.fake.Archive(th.ID, h.now.Add(-time.Duration(i+1)*day))
	}

	assert.Equal(t, 1, h.engine.Recover(context.Background(), h.config, nil))
	assert.Equal(t, 1, h.queue.Status().Normal)
	h.drain()
	require.Len(t, h.fake.Unarchived, 1)
}

func TestRecoverAll(t *testing.T) {
	h := newHarness(t)
	var archived []string
	for i := 0; i < 3; i++ {
		th := h.thread("u2", "archived", "hello", 10*day)
		h.fake.Archive(th.ID, h.now.Add(-time.Duration(i+1)*day))
		archived = append(archived, th.ID)
	}

	assert.Equal(t, 3, h.engine.Recover(context.Background(), h.config, nil))
	h.drain()
	assert.ElementsMatch(t, archived, h.fake.Unarchived)
}

func TestRecoverCeilingSpansTheGuild(t *testing.T) {
	h := newHarness(t)
	h.engine.opts.RecoveryCeiling = 5
	other := h.fake.AddForum("g1", "2000", "ideas")
	otherConfig := &models.ForumConfig{ID: other.ID, GuildID: "g1", Name: "ideas"}
	for i := 0; i < 3; i++ {
		h.thread("u1", "open", "hello", day)
	}
	for i := 0; i < 2; i++ {
		th := h.thread("u2", "archived here", "hello", 10*day)
		h.fake.Archive(th.ID, h.now.Add(-time.Duration(i+1)*day))
		th, _ = h.fake.AddThread(other, "u2", "archived there", "hello", h.now.Add(-10*day))
		h.fake.Archive(th.ID, h.now.Add(-time.Duration(i+1)*day))
	}

	active := ActiveThreads{}
	assert.Equal(t, 2, h.engine.Recover(context.Background(), h.config, active))
	assert.Equal(t, 0, h.engine.Recover(context.Background(), otherConfig, active))
	assert.Equal(t, 5, active["g1"])
	assert.Equal(t, 1, h.fake.Calls("GuildThreadsActive"), "the guild is counted once per sweep")

	h.drain()
	assert.Len(t, h.fake.Unarchived, 2)
}

type pageWithoutMetadata struct {
	*platformtest.Fake
	calls int
}

func (p *pageWithoutMetadata) ThreadsArchived(channelID string, _ *time.Time, _ int, _ ...discordgo.RequestOption) (*discordgo.ThreadsList, error) {
	p.calls++
	return &discordgo.ThreadsList{
		HasMore: true,
		Threads: []*discordgo.Channel{{ID: "1", ParentID: channelID, Type: discordgo.ChannelTypeGuildPublicThread}},
	}, nil
}

func TestRecoverStopsOnPageWithoutMetadata(t *testing.T) {
	h := newHarness(t)
	client := &pageWithoutMetadata{Fake: h.fake}
	engine := NewEngine(client, h.settings, h.queue, nil, h.engine.opts, zap.NewNop())

	assert.NotPanics(t, func() {
		assert.Equal(t, 0, engine.Recover(context.Background(), h.config, nil))
	})
	assert.Equal(t, 1, client.calls)
}
