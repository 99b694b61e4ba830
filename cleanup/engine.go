// Package cleanup applies the retention rules of a forum to its threads.
package cleanup

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"forum-automod/models"
	"forum-automod/platform"
	"forum-automod/queue"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var removals = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cleanup_removals_total",
	Help: "Number of threads and messages scheduled for removal by cleanup rules",
}, []string{"rule"})

// Store is the read side of the settings store the engine needs.
type Store interface {
	GuildSettings(ctx context.Context, guildID string) (models.GuildSettings, error)
}

// Scheduler accepts deferred side effects.
type Scheduler interface {
	Add(task *queue.Task, p queue.Priority) time.Duration
}

// Exporter posts a transcript of a thread before it is removed.
type Exporter interface {
	Post(ctx context.Context, channelID string, thread *discordgo.Channel, guildName, reason string) error
}

type Options struct {
	// RecoveryCeiling is the number of active guild threads at which recovery stops.
	RecoveryCeiling int
	// RegexScanLimit caps how many of a thread's newest messages the REGEX rule reads.
	RegexScanLimit int
	// RegexDeleteDelay postpones the removal of a matched message.
	RegexDeleteDelay time.Duration
}

var DefaultOptions = Options{
	RecoveryCeiling:  950,
	RegexScanLimit:   1000,
	RegexDeleteDelay: 5 * time.Second,
}

const (
	pageSize       = 100
	memberPageSize = 1000
)

// Verdict is the outcome of the retention rules for one thread.
type Verdict struct {
	Delete bool
	Rule   models.CleanupKey
	Reason string
}

type Engine struct {
	client   platform.Client
	store    Store
	queue    Scheduler
	exporter Exporter
	opts     Options
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]map[*time.Timer]struct{} // delayed message deletions by thread
}

func NewEngine(client platform.Client, store Store, scheduler Scheduler, exporter Exporter, opts Options, logger *zap.Logger) *Engine {
	return &Engine{
		client:   client,
		store:    store,
		queue:    scheduler,
		exporter: exporter,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		pending:  make(map[string]map[*time.Timer]struct{}),
	}
}

// Run evaluates every thread against the forum's cleanup rules and schedules the removals.
// Failures are logged; Run never panics.
func (e *Engine) Run(ctx context.Context, forum *models.ForumConfig, threads []*discordgo.Channel) (result models.CleanupResult) {
	if forum == nil || len(forum.CleanupRules) == 0 || len(threads) == 0 {
		return result
	}
	log := e.logger.With(zap.String("forum_id", forum.ID), zap.String("guild_id", forum.GuildID))
	defer func() {
		if r := recover(); r != nil {
			log.Error("cleanup panicked", zap.Any("panic", r))
		}
	}()

	var members map[string]struct{}
	if forum.CleanupRule(models.CleanupAbandoned) != nil {
		var err error
		if members, err = e.members(ctx, forum.GuildID); err != nil {
			log.Warn("could not list guild members, abandoned rule skipped", zap.Error(err))
		}
	}
	settings, err := e.store.GuildSettings(ctx, forum.GuildID)
	if err != nil {
		log.Warn("could not read guild settings", zap.Error(err))
	}

	for _, thread := range threads {
		if ctx.Err() != nil {
			return result
		}
		if !platform.IsThread(thread) || thread.ParentID != forum.ID {
			continue
		}
		result.Evaluated++
		v, queued, err := e.evaluate(ctx, forum, thread, members, log)
		result.Messages += queued
		if err != nil {
			if platform.IsUnknownChannel(err) {
				log.Debug("thread vanished during cleanup", zap.String("thread_id", thread.ID))
			} else {
				log.Warn("cleanup evaluation failed", zap.String("thread_id", thread.ID), zap.Error(err))
			}
			continue
		}
		if !v.Delete {
			continue
		}
		e.remove(ctx, thread, settings, v, log)
		result.Deleted++
	}
	return result
}

// Evaluate returns the verdict for one thread. REGEX matches are scheduled as a side effect.
func (e *Engine) Evaluate(ctx context.Context, forum *models.ForumConfig, thread *discordgo.Channel, members map[string]struct{}) (Verdict, error) {
	v, _, err := e.evaluate(ctx, forum, thread, members, e.logger.With(zap.String("forum_id", forum.ID)))
	return v, err
}

// evaluate applies ABANDONED, OLD, REGEX and MISSING in that order. A nil members set disables
// ABANDONED.
func (e *Engine) evaluate(ctx context.Context, forum *models.ForumConfig, thread *discordgo.Channel, members map[string]struct{}, log *zap.Logger) (Verdict, int, error) {
	if forum.CleanupRule(models.CleanupAbandoned) != nil && members != nil {
		if _, ok := members[thread.OwnerID]; thread.OwnerID == "" || !ok {
			return Verdict{Delete: true, Rule: models.CleanupAbandoned}, 0, nil
		}
	}

	if rule := forum.CleanupRule(models.CleanupOld); rule != nil {
		if rule.Days <= 0 {
			log.Warn("age rule has no day limit", zap.String("forum_id", forum.ID))
		} else {
			old, err := e.olderThan(ctx, thread, rule.Days)
			if err != nil {
				if platform.IsUnknownChannel(err) {
					return Verdict{}, 0, err
				}
				log.Warn("could not read newest message", zap.String("thread_id", thread.ID), zap.Error(err))
			}
			if old {
				return Verdict{
					Delete: true,
					Rule:   models.CleanupOld,
					Reason: fmt.Sprintf("`%s` has been automatically removed because it exceeded the %d-day age limit.", thread.Name, rule.Days),
				}, 0, nil
			}
		}
	}

	queued := 0
	if rules := forum.CleanupRulesOf(models.CleanupRegex); len(rules) > 0 {
		n, err := e.scanMessages(ctx, thread, rules, log)
		queued = n
		if err != nil {
			if platform.IsUnknownChannel(err) {
				return Verdict{}, queued, err
			}
			log.Warn("regex scan failed", zap.String("thread_id", thread.ID), zap.Error(err))
		}
	}

	if forum.CleanupRule(models.CleanupMissing) != nil {
		_, err := e.client.ChannelMessage(thread.ID, thread.ID, discordgo.WithContext(ctx))
		switch {
		case err == nil:
		case platform.IsUnknownChannel(err):
			return Verdict{}, queued, err
		case platform.IsNotFound(err):
			return Verdict{
				Delete: true,
				Rule:   models.CleanupMissing,
				Reason: fmt.Sprintf("`%s` has been automatically removed because the main message was missing.", thread.Name),
			}, queued, nil
		default:
			log.Warn("could not fetch starter message", zap.String("thread_id", thread.ID), zap.Error(err))
		}
	}
	return Verdict{}, queued, nil
}

// olderThan reports whether the newest message of thread is older than days. A thread without
// messages is never old.
func (e *Engine) olderThan(ctx context.Context, thread *discordgo.Channel, days int) (bool, error) {
	msgs, err := e.client.ChannelMessages(thread.ID, 1, "", "", "", discordgo.WithContext(ctx))
	if err != nil || len(msgs) == 0 {
		return false, err
	}
	last := msgs[0].Timestamp
	if last.IsZero() {
		last = platform.CreatedAt(msgs[0].ID)
	}
	return last.Before(e.now().AddDate(0, 0, -days)), nil
}

// scanMessages schedules the removal of every message among the newest RegexScanLimit that
// matches one of the rules. It never removes the thread.
func (e *Engine) scanMessages(ctx context.Context, thread *discordgo.Channel, rules []models.CleanupRule, log *zap.Logger) (int, error) {
	parts := make([]string, 0, len(rules))
	for _, r := range rules {
		if r.Extra != "" {
			parts = append(parts, "(?:"+r.Extra+")")
		}
	}
	if len(parts) == 0 {
		log.Warn("regex rule has no expression", zap.String("thread_id", thread.ID))
		return 0, nil
	}
	re, err := regexp.Compile("(?i)" + strings.Join(parts, "|"))
	if err != nil {
		log.Warn("malformed cleanup expression", zap.String("forum_id", thread.ParentID), zap.Error(err))
		return 0, nil
	}

	queued, scanned := 0, 0
	before := ""
	for scanned < e.opts.RegexScanLimit {
		batch, err := e.client.ChannelMessages(thread.ID, pageSize, before, "", "", discordgo.WithContext(ctx))
		if err != nil {
			return queued, err
		}
		for _, m := range batch {
			if scanned >= e.opts.RegexScanLimit {
				break
			}
			scanned++
			if re.MatchString(m.Content) {
				e.deleteMessageLater(thread, m)
				queued++
			}
		}
		if len(batch) < pageSize {
			break
		}
		before = batch[len(batch)-1].ID
	}
	return queued, nil
}

func (e *Engine) deleteMessageLater(thread *discordgo.Channel, m *discordgo.Message) {
	removals.WithLabelValues(string(models.CleanupRegex)).Inc()
	channelID, messageID := m.ChannelID, m.ID
	task := queue.NewTask("cleanup: delete message in "+thread.Name, thread.ID, func(ctx context.Context) error {
		return e.client.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx))
	})
	if e.opts.RegexDeleteDelay <= 0 {
		e.queue.Add(task, queue.Low)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	var timer *time.Timer
	timer = time.AfterFunc(e.opts.RegexDeleteDelay, func() {
		e.mu.Lock()
		_, ok := e.pending[thread.ID][timer]
		e.forget(thread.ID, timer)
		e.mu.Unlock()
		if ok {
			e.queue.Add(task, queue.Low)
		}
	})
	if e.pending[thread.ID] == nil {
		e.pending[thread.ID] = make(map[*time.Timer]struct{})
	}
	e.pending[thread.ID][timer] = struct{}{}
}

func (e *Engine) forget(threadID string, timer *time.Timer) {
	delete(e.pending[threadID], timer)
	if len(e.pending[threadID]) == 0 {
		delete(e.pending, threadID)
	}
}

// RemoveChannel cancels the delayed message deletions of a thread that have not been queued yet.
func (e *Engine) RemoveChannel(threadID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for timer := range e.pending[threadID] {
		if timer.Stop() {
			n++
		}
	}
	delete(e.pending, threadID)
	return n
}

// remove posts the transcript when the guild has a cleanup log and schedules the thread deletion.
func (e *Engine) remove(ctx context.Context, thread *discordgo.Channel, settings models.GuildSettings, v Verdict, log *zap.Logger) {
	removals.WithLabelValues(string(v.Rule)).Inc()
	log.Info("thread scheduled for cleanup",
		zap.String("thread_id", thread.ID),
		zap.String("thread", thread.Name),
		zap.String("rule", string(v.Rule)),
	)

	if settings.CleanupLogChannelID != "" && e.exporter != nil {
		if err := e.exporter.Post(ctx, settings.CleanupLogChannelID, thread, settings.Name, v.Reason); err != nil {
			log.Warn("could not export transcript", zap.String("thread_id", thread.ID), zap.Error(err))
		}
	}

	var opts []discordgo.RequestOption
	if v.Reason != "" {
		opts = append(opts, discordgo.WithAuditLogReason(v.Reason))
	}
	e.queue.Add(queue.NewTask("cleanup: delete thread "+thread.Name, thread.ID, func(ctx context.Context) error {
		_, err := e.client.ChannelDelete(thread.ID, append(opts, discordgo.WithContext(ctx))...)
		return err
	}), queue.Low)
}

// members returns the ids of every guild member.
func (e *Engine) members(ctx context.Context, guildID string) (map[string]struct{}, error) {
	ids := make(map[string]struct{})
	after := ""
	for {
		batch, err := e.client.GuildMembers(guildID, after, memberPageSize, discordgo.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		for _, m := range batch {
			if m.User != nil {
				ids[m.User.ID] = struct{}{}
			}
		}
		if len(batch) < memberPageSize {
			return ids, nil
		}
		after = batch[len(batch)-1].User.ID
	}
}

// ActiveThreads holds the active thread count of each guild for the length of one sweep.
// Recover adds the threads it queues for un-archiving, so later forums of the same guild see them.
type ActiveThreads map[string]int

// Recover re-opens archived threads of the forum while the guild stays below the active thread
// ceiling. Reaching the ceiling ends the pass. A guild missing from active is counted from the API.
func (e *Engine) Recover(ctx context.Context, forum *models.ForumConfig, active ActiveThreads) (recovered int) {
	log := e.logger.With(zap.String("forum_id", forum.ID), zap.String("guild_id", forum.GuildID))
	defer func() {
		if r := recover(); r != nil {
			log.Error("recovery panicked", zap.Any("panic", r))
		}
	}()

	if active == nil {
		active = ActiveThreads{}
	}
	count, ok := active[forum.GuildID]
	if !ok {
		list, err := e.client.GuildThreadsActive(forum.GuildID, discordgo.WithContext(ctx))
		if err != nil {
			log.Warn("could not count active threads", zap.Error(err))
			return 0
		}
		count = len(list.Threads)
	}
	defer func() { active[forum.GuildID] = count }()

	var before *time.Time
	for {
		page, err := e.client.ThreadsArchived(forum.ID, before, pageSize, discordgo.WithContext(ctx))
		if err != nil {
			log.Warn("could not list archived threads", zap.Error(err))
			return recovered
		}
		for _, thread := range page.Threads {
			if !platform.IsArchived(thread) {
				continue
			}
			if count >= e.opts.RecoveryCeiling {
				log.Info("active thread ceiling reached, recovery stopped",
					zap.Int("active", count),
					zap.Int("recovered", recovered),
				)
				return recovered
			}
			e.unarchive(thread)
			count++
			recovered++
		}
		if !page.HasMore || len(page.Threads) == 0 {
			break
		}
		last := page.Threads[len(page.Threads)-1]
		if last.ThreadMetadata == nil {
			break
		}
		ts := last.ThreadMetadata.ArchiveTimestamp
		before = &ts
	}
	if recovered > 0 {
		log.Info("archived threads recovered", zap.Int("recovered", recovered))
	}
	return recovered
}

func (e *Engine) unarchive(thread *discordgo.Channel) {
	archived := false
	e.queue.Add(queue.NewTask("recover: unarchive "+thread.Name, thread.ID, func(ctx context.Context) error {
		_, err := e.client.ChannelEdit(thread.ID, &discordgo.ChannelEdit{Archived: &archived}, discordgo.WithContext(ctx))
		return err
	}), queue.Normal)
}
