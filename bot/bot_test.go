package bot

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"forum-automod/database"
	"forum-automod/models"
	"forum-automod/platform/platformtest"
	"forum-automod/queue"
	"forum-automod/scanner"
	"forum-automod/utils"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// waitingStore holds the sweep until its context is cancelled.
type waitingStore struct{}

func (waitingStore) AllForums(ctx context.Context) ([]*models.ForumConfig, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (waitingStore) GuildSettings(_ context.Context, guildID string) (models.GuildSettings, error) {
	return models.GuildSettings{GuildID: guildID}, nil
}

// onceAt fires a single time at the given instant.
type onceAt time.Time

func (s onceAt) Next(t time.Time) time.Time {
	if t.Before(time.Time(s)) {
		return time.Time(s)
	}
	return t.Add(time.Hour)
}

func TestStopCancelsRunningSweep(t *testing.T) {
	logger := zap.NewNop()
	fake := platformtest.New()
	db, err := database.Open(context.Background(), filepath.Join(t.TempDir(), "automod.db"), logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bot{
		Logger:   logger,
		Store:    database.NewStore(db, models.DefaultPatternLimits, logger),
		Queue:    queue.New(time.Millisecond, fake, logger),
		Scanner:  scanner.New(fake, waitingStore{}, nil, nil, nil, logger),
		AdminLog: utils.NewChannelLogger(fake, "", logger),
		cron:     cron.New(),
		ctx:      ctx,
		cancel:   cancel,
	}
	b.cron.Schedule(onceAt(time.Now().Add(10*time.Millisecond)), cron.FuncJob(b.sweep))
	b.cron.Start()
	require.Eventually(t, b.Scanner.Running, time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		b.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop is still waiting for the sweep")
	}
	assert.False(t, b.Scanner.Running())
}
