// Package automod evaluates forum posts against the rules of their forum and acts on the outcome.
package automod

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"forum-automod/models"
	"forum-automod/platform"
	"forum-automod/queue"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// Store is the read side of the pattern store the engine needs.
type Store interface {
	GetForumConfig(ctx context.Context, forumID string) (*models.ForumConfig, error)
	IsPremium(ctx context.Context, guildID string) (bool, error)
}

// Enablement resolves a channel to its registered forum.
type Enablement interface {
	IsEnabled(ctx context.Context, ch *discordgo.Channel) (string, bool)
}

// Scheduler accepts deferred side effects.
type Scheduler interface {
	Add(task *queue.Task, p queue.Priority) time.Duration
}

type Options struct {
	// DuplicateThreshold is the similarity at or above which a post counts as a duplicate.
	DuplicateThreshold float64
	// ArchivedScanLimit caps how many archived threads the duplicate check reads.
	ArchivedScanLimit int
	// DeliverWarnings sends WARN notices to the author. Off by default.
	DeliverWarnings bool
}

// DefaultOptions are the production defaults.
var DefaultOptions = Options{
	DuplicateThreshold: 0.70,
	ArchivedScanLimit:  1000,
}

const archivedPageSize = 100

type Engine struct {
	client platform.Client
	store  Store
	cache  Enablement
	queue  Scheduler
	opts   Options
	logger *zap.Logger
}

func NewEngine(client platform.Client, store Store, cache Enablement, scheduler Scheduler, opts Options, logger *zap.Logger) *Engine {
	return &Engine{
		client: client,
		store:  store,
		cache:  cache,
		queue:  scheduler,
		opts:   opts,
		logger: logger,
	}
}

// EvaluateMessage evaluates msg and carries out the decision. Failures are logged.
func (e *Engine) EvaluateMessage(ctx context.Context, msg *discordgo.Message) models.Decision {
	if msg == nil {
		return models.Decision{}
	}
	log := e.logger.With(zap.String("channel_id", msg.ChannelID), zap.String("message_id", msg.ID))
	defer func() {
		if r := recover(); r != nil {
			log.Error("automod evaluation panicked", zap.Any("panic", r))
		}
	}()

	thread, err := e.client.Channel(msg.ChannelID, discordgo.WithContext(ctx))
	if err != nil {
		if !platform.IsNotFound(err) {
			log.Warn("could not fetch thread", zap.Error(err))
		}
		return models.Decision{}
	}
	return e.handle(ctx, thread, msg, log)
}

// HandleThreadMessage is EvaluateMessage for a caller that already holds the thread.
func (e *Engine) HandleThreadMessage(ctx context.Context, thread *discordgo.Channel, msg *discordgo.Message) models.Decision {
	if thread == nil || msg == nil {
		return models.Decision{}
	}
	log := e.logger.With(zap.String("channel_id", msg.ChannelID), zap.String("message_id", msg.ID))
	defer func() {
		if r := recover(); r != nil {
			log.Error("automod evaluation panicked", zap.Any("panic", r))
		}
	}()
	return e.handle(ctx, thread, msg, log)
}

func (e *Engine) handle(ctx context.Context, thread *discordgo.Channel, msg *discordgo.Message, log *zap.Logger) models.Decision {
	d := e.evaluate(ctx, thread, msg, log)
	decisions.WithLabelValues(d.Action.String()).Inc()
	if d.Action != models.ActionNone {
		log.Info("automod decision", zap.Stringer("action", d.Action), zap.String("reason", d.Reason))
	}
	e.execute(ctx, thread, msg, d, log)
	return d
}

// Evaluate runs the rule pipeline without side effects.
func (e *Engine) Evaluate(ctx context.Context, thread *discordgo.Channel, msg *discordgo.Message) models.Decision {
	return e.evaluate(ctx, thread, msg, e.logger.With(zap.String("channel_id", msg.ChannelID), zap.String("message_id", msg.ID)))
}

func (e *Engine) evaluate(ctx context.Context, thread *discordgo.Channel, msg *discordgo.Message, log *zap.Logger) models.Decision {
	if !platform.IsThread(thread) {
		return models.Decision{}
	}
	forumID, ok := e.cache.IsEnabled(ctx, thread)
	if !ok {
		return models.Decision{}
	}
	forum, err := e.store.GetForumConfig(ctx, forumID)
	if err != nil {
		log.Warn("could not load forum configuration", zap.String("forum_id", forumID), zap.Error(err))
		return models.Decision{}
	}
	if forum == nil {
		log.Debug("forum has no configuration", zap.String("forum_id", forumID))
		return models.Decision{}
	}

	starter := platform.IsStarter(msg)

	if starter && forum.Duplicates {
		if match := e.findDuplicate(ctx, thread, msg, log); match != nil {
			return models.Decision{
				Action: models.ActionDuplicate,
				Reason: fmt.Sprintf("Your post is too similar to one you already made: %s", platform.JumpURL(match.GuildID, match.ID)),
			}
		}
	}

	if forum.MinimumCharacters > 0 {
		if n := utf8.RuneCountInString(msg.Content); n < forum.MinimumCharacters {
			return models.Decision{
				Action: models.ActionShort,
				Reason: fmt.Sprintf("Your post must be at least %d characters long, it has %d.", forum.MinimumCharacters, n),
			}
		}
	}

	if d := checkBlacklist(msg.Content, forum.PatternsOf(models.CategoryBlacklist)); d.Action != models.ActionNone {
		return d
	}

	premium, err := e.store.IsPremium(ctx, thread.GuildID)
	if err != nil {
		log.Warn("could not read premium status", zap.String("guild_id", thread.GuildID), zap.Error(err))
	}
	if !premium {
		return models.Decision{}
	}

	for _, category := range []models.PatternCategory{models.CategoryBlock, models.CategoryWarn} {
		d, err := checkPatterns(msg.Content, forum.PatternsOf(category), category)
		if err != nil {
			log.Warn("malformed pattern, stage skipped", zap.String("forum_id", forumID), zap.String("category", string(category)), zap.Error(err))
			continue
		}
		if d.Action != models.ActionNone {
			return d
		}
	}

	if starter {
		d, skipped := checkRequired(msg.Content, forum.PatternsOf(models.CategoryRequired))
		for _, p := range skipped {
			log.Warn("malformed required pattern skipped", zap.String("forum_id", forumID), zap.String("pattern", p.Name))
		}
		return d
	}
	return models.Decision{}
}

// findDuplicate returns an earlier thread of the same owner in the same forum whose starter
// message is similar enough to msg.
func (e *Engine) findDuplicate(ctx context.Context, thread *discordgo.Channel, msg *discordgo.Message, log *zap.Logger) *discordgo.Channel {
	ownerID := thread.OwnerID
	if ownerID == "" && msg.Author != nil {
		ownerID = msg.Author.ID
	}
	candidate := func(c *discordgo.Channel) bool {
		return c.ID != thread.ID &&
			c.ParentID == thread.ParentID &&
			c.OwnerID == ownerID &&
			platform.CreatedBefore(c.ID, thread.ID)
	}

	active, err := e.client.GuildThreadsActive(thread.GuildID, discordgo.WithContext(ctx))
	if err != nil {
		log.Warn("could not list active threads", zap.Error(err))
	} else {
		for _, c := range active.Threads {
			if candidate(c) && e.similar(ctx, c, msg, log) {
				return c
			}
		}
	}

	var before *time.Time
	for scanned := 0; scanned < e.opts.ArchivedScanLimit; {
		page, err := e.client.ThreadsArchived(thread.ParentID, before, archivedPageSize, discordgo.WithContext(ctx))
		if err != nil {
			log.Warn("could not list archived threads", zap.Error(err))
			return nil
		}
		for _, c := range page.Threads {
			if scanned >= e.opts.ArchivedScanLimit {
				return nil
			}
			scanned++
			if candidate(c) && e.similar(ctx, c, msg, log) {
				return c
			}
		}
		if !page.HasMore || len(page.Threads) == 0 {
			return nil
		}
		last := page.Threads[len(page.Threads)-1]
		if last.ThreadMetadata == nil {
			return nil
		}
		ts := last.ThreadMetadata.ArchiveTimestamp
		before = &ts
	}
	return nil
}

func (e *Engine) similar(ctx context.Context, c *discordgo.Channel, msg *discordgo.Message, log *zap.Logger) bool {
	starter, err := e.client.ChannelMessage(c.ID, c.ID, discordgo.WithContext(ctx))
	if err != nil {
		if !platform.IsNotFound(err) {
			log.Debug("could not fetch candidate starter", zap.String("thread_id", c.ID), zap.Error(err))
		}
		return false
	}
	return Similarity(msg.Content, starter.Content) >= e.opts.DuplicateThreshold
}
