// Package scanner runs the periodic sweep over every registered forum.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"forum-automod/cleanup"
	"forum-automod/models"
	"forum-automod/platform"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "cleanup_sweep_duration_seconds",
	Help:    "Duration of a full sweep over all registered forums",
	Buckets: prometheus.ExponentialBuckets(1, 2, 10),
})

// ErrSweepRunning is returned when a sweep is requested while another one is in progress.
var ErrSweepRunning = errors.New("sweep already running")

type Store interface {
	AllForums(ctx context.Context) ([]*models.ForumConfig, error)
	GuildSettings(ctx context.Context, guildID string) (models.GuildSettings, error)
}

// Cleaner is the cleanup engine.
type Cleaner interface {
	Run(ctx context.Context, forum *models.ForumConfig, threads []*discordgo.Channel) models.CleanupResult
	Recover(ctx context.Context, forum *models.ForumConfig, active cleanup.ActiveThreads) int
}

// StatusRecorder persists per-guild sweep outcomes.
type StatusRecorder interface {
	Record(guildID string, sweep models.GuildSweep)
	Save() error
}

// Reporter posts the sweep summary to the admin channel.
type Reporter interface {
	Info(module, operation, details string)
	Warn(module, operation, details string)
}

type Scanner struct {
	client   platform.Client
	store    Store
	cleaner  Cleaner
	status   StatusRecorder
	reporter Reporter
	logger   *zap.Logger
	running  atomic.Bool
}

func New(client platform.Client, store Store, cleaner Cleaner, status StatusRecorder, reporter Reporter, logger *zap.Logger) *Scanner {
	return &Scanner{
		client:   client,
		store:    store,
		cleaner:  cleaner,
		status:   status,
		reporter: reporter,
		logger:   logger,
	}
}

// Sweep recovers archived threads and applies cleanup rules to every registered forum.
func (s *Scanner) Sweep(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrSweepRunning
	}
	defer s.running.Store(false)

	start := time.Now()
	defer func() { sweepDuration.Observe(time.Since(start).Seconds()) }()

	s.logger.Info("starting sweep")
	forums, err := s.store.AllForums(ctx)
	if err != nil {
		return fmt.Errorf("list forums: %w", err)
	}

	sweeps := make(map[string]*models.GuildSweep)
	settings := make(map[string]models.GuildSettings)
	active := make(map[string][]*discordgo.Channel)
	counts := make(cleanup.ActiveThreads)
	var total models.CleanupResult

	for _, forum := range forums {
		if ctx.Err() != nil {
			break
		}
		sweep, ok := sweeps[forum.GuildID]
		if !ok {
			sweep = &models.GuildSweep{Status: "ok"}
			sweeps[forum.GuildID] = sweep
		}
		gs, ok := settings[forum.GuildID]
		if !ok {
			gs, err = s.store.GuildSettings(ctx, forum.GuildID)
			if err != nil {
				s.logger.Warn("could not read guild settings", zap.String("guild_id", forum.GuildID), zap.Error(err))
				sweep.Status = "partial"
				continue
			}
			settings[forum.GuildID] = gs
		}

		result := s.sweepForum(ctx, forum, gs, active, counts, sweep)
		sweep.Forums++
		sweep.Threads += result.Evaluated
		sweep.Deleted += result.Deleted
		sweep.Recovered += result.Recovered
		total.Add(result)
	}

	for guildID, sweep := range sweeps {
		s.status.Record(guildID, *sweep)
	}
	if err := s.status.Save(); err != nil {
		s.logger.Warn("could not save sweep status", zap.Error(err))
	}

	summary := fmt.Sprintf("Swept %d forums in %d guilds: %d threads checked, %d removed, %d messages removed, %d recovered (%s)",
		len(forums), len(sweeps), total.Evaluated, total.Deleted, total.Messages, total.Recovered,
		time.Since(start).Round(time.Second))
	s.logger.Info("sweep finished",
		zap.Int("forums", len(forums)),
		zap.Int("threads", total.Evaluated),
		zap.Int("deleted", total.Deleted),
		zap.Int("recovered", total.Recovered),
	)
	if s.reporter != nil {
		s.reporter.Info("Cleanup", "Sweep", summary)
	}
	return ctx.Err()
}

func (s *Scanner) sweepForum(ctx context.Context, forum *models.ForumConfig, gs models.GuildSettings, active map[string][]*discordgo.Channel, counts cleanup.ActiveThreads, sweep *models.GuildSweep) models.CleanupResult {
	log := s.logger.With(zap.String("forum_id", forum.ID), zap.String("guild_id", forum.GuildID))
	var result models.CleanupResult

	if gs.RestoreArchived {
		result.Recovered = s.cleaner.Recover(ctx, forum, counts)
	}
	if !gs.CleanupEnabled {
		log.Debug("cleanup disabled for guild")
		if sweep.Status == "ok" {
			sweep.Status = "skipped"
		}
		return result
	}

	threads, ok := active[forum.GuildID]
	if !ok {
		list, err := s.client.GuildThreadsActive(forum.GuildID, discordgo.WithContext(ctx))
		if err != nil {
			log.Warn("could not list active threads", zap.Error(err))
			sweep.Status = "partial"
			return result
		}
		threads = list.Threads
		active[forum.GuildID] = threads
	}

	var own []*discordgo.Channel
	for _, t := range threads {
		if t.ParentID == forum.ID {
			own = append(own, t)
		}
	}
	result.Add(s.cleaner.Run(ctx, forum, own))
	return result
}

// Running reports whether a sweep is in progress.
func (s *Scanner) Running() bool {
	return s.running.Load()
}
