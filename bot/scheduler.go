package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"forum-automod/scanner"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const idlePresence = "the forums"

// startScheduler starts the cron jobs.
func (b *Bot) startScheduler() error {
	b.cron = cron.New()
	if _, err := b.cron.AddFunc(b.Config.Cleanup.Schedule, b.sweep); err != nil {
		return fmt.Errorf("could not schedule sweep %q: %w", b.Config.Cleanup.Schedule, err)
	}
	if _, err := b.cron.AddFunc(b.Config.Cache.Schedule, func() {
		b.Cache.Clear()
		b.Logger.Debug("forum cache cleared")
	}); err != nil {
		return fmt.Errorf("could not schedule cache reset %q: %w", b.Config.Cache.Schedule, err)
	}
	b.cron.Start()
	b.Logger.Info("cron jobs scheduled",
		zap.String("sweep", b.Config.Cleanup.Schedule),
		zap.String("cache", b.Config.Cache.Schedule),
	)

	if b.Config.Cleanup.RunAtStartup {
		go b.sweep()
	} else {
		b.Logger.Info("skipping initial sweep on startup as per configuration")
	}
	return nil
}

func (b *Bot) sweep() {
	err := b.Scanner.Sweep(b.ctx)
	switch {
	case err == nil:
	case errors.Is(err, scanner.ErrSweepRunning):
		b.Logger.Info("previous sweep still running, skipped")
	case errors.Is(err, context.Canceled):
		b.Logger.Info("sweep interrupted by shutdown")
	default:
		b.Logger.Error("sweep failed", zap.Error(err))
		b.AdminLog.Error("Cleanup", "Sweep", err.Error())
	}
}

// stopScheduler stops the cron jobs and waits for running jobs to return.
func (b *Bot) stopScheduler() {
	if b.cron != nil {
		<-b.cron.Stop().Done()
		b.Logger.Info("scheduler stopped")
	}
}

// presenceLoop shows the queue status as the bot's activity while work is pending.
func (b *Bot) presenceLoop() {
	ticker := time.NewTicker(b.Config.Queue.StatusInterval)
	defer ticker.Stop()

	idle := false
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
		}
		status := b.Queue.Status()
		if status.Total() == 0 {
			if idle {
				continue
			}
			idle = true
			if err := b.Session.UpdateWatchStatus(0, idlePresence); err != nil {
				b.Logger.Debug("could not update presence", zap.Error(err))
			}
			continue
		}
		idle = false
		if err := b.Session.UpdateWatchStatus(0, status.String()); err != nil {
			b.Logger.Debug("could not update presence", zap.Error(err))
		}
	}
}
