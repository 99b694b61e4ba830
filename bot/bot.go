package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"forum-automod/automod"
	"forum-automod/cache"
	"forum-automod/cleanup"
	"forum-automod/config"
	"forum-automod/database"
	"forum-automod/export"
	healthgrpc "forum-automod/grpc"
	"forum-automod/queue"
	"forum-automod/scanner"
	"forum-automod/utils"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Bot encapsulates the bot's state.
type Bot struct {
	Session *discordgo.Session
	Config  *config.Config
	Logger  *zap.Logger

	Store    *database.Store
	Cache    *cache.ForumCache
	Queue    *queue.Scheduler
	Automod  *automod.Engine
	Cleanup  *cleanup.Engine
	Scanner  *scanner.Scanner
	Status   *database.StatusManager
	AdminLog *utils.ChannelLogger
	Health   *healthgrpc.HealthServer

	metrics *http.Server
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewBot opens the database and builds every service. The gateway is not connected yet.
func NewBot(cfg *config.Config, logger *zap.Logger) (*Bot, error) {
	if cfg.Bot.Token == "" {
		return nil, fmt.Errorf("no bot token provided")
	}

	dg, err := discordgo.New("Bot " + cfg.Bot.Token)
	if err != nil {
		return nil, fmt.Errorf("error creating Discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsMessageContent

	ctx, cancel := context.WithCancel(context.Background())
	db, err := database.Open(ctx, cfg.Database.Path, logger)
	if err != nil {
		cancel()
		return nil, err
	}
	store := database.NewStore(db, cfg.Limits, logger)

	sched := queue.New(cfg.Queue.TaskCost, dg, logger.Named("queue"))
	forums := cache.NewForumCache(store, cfg.Cache.Size, cfg.Cache.TTL, logger.Named("cache"))
	rules := automod.NewEngine(dg, store, forums, sched, automod.Options{
		DuplicateThreshold: cfg.Automod.DuplicateThreshold,
		ArchivedScanLimit:  cfg.Automod.ArchivedScanLimit,
		DeliverWarnings:    cfg.Automod.DeliverWarnings,
	}, logger.Named("automod"))
	cleaner := cleanup.NewEngine(dg, store, sched, export.NewExporter(dg, export.DefaultMaxMessages, logger.Named("export")), cleanup.Options{
		RecoveryCeiling:  cfg.Cleanup.RecoveryCeiling,
		RegexScanLimit:   cfg.Cleanup.RegexScanLimit,
		RegexDeleteDelay: cfg.Cleanup.RegexDeleteDelay,
	}, logger.Named("cleanup"))
	status := database.NewStatusManager(cfg.Cleanup.StatusFile)
	adminLog := utils.NewChannelLogger(dg, cfg.Bot.AdminChannelID, logger.Named("admin"))

	b := &Bot{
		Session:  dg,
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Cache:    forums,
		Queue:    sched,
		Automod:  rules,
		Cleanup:  cleaner,
		Scanner:  scanner.New(dg, store, cleaner, status, adminLog, logger.Named("scanner")),
		Status:   status,
		AdminLog: adminLog,
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.Health.Addr != "" {
		b.Health = healthgrpc.NewHealthServer(cfg.Health.Addr, logger.Named("health"))
	}
	return b, nil
}

// Context is cancelled when the bot stops.
func (b *Bot) Context() context.Context {
	return b.ctx
}

// SetGatewayUp reports the gateway connection state to the health service.
func (b *Bot) SetGatewayUp(up bool) {
	if b.Health != nil {
		b.Health.SetServing(healthgrpc.ServiceGateway, up)
	}
}

// Start opens the bot's session and starts the background jobs.
func (b *Bot) Start(registerHandlers func(*Bot)) error {
	registerHandlers(b)

	if b.Health != nil {
		if err := b.Health.Start(); err != nil {
			return err
		}
	}
	if b.Config.Metrics.Addr != "" {
		b.startMetrics()
	}

	if err := b.Session.Open(); err != nil {
		return fmt.Errorf("error opening connection: %w", err)
	}

	go b.Queue.Run(b.ctx, b.Config.Queue.Interval)
	go b.presenceLoop()
	if err := b.startScheduler(); err != nil {
		return err
	}

	if b.Health != nil {
		b.Health.SetServing("", true)
	}
	b.Logger.Info("bot is now running")
	b.AdminLog.Info("Bot", "Start", "Forum automod is online.")
	return nil
}

func (b *Bot) startMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	b.metrics = &http.Server{Addr: b.Config.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := b.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.Logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	b.Logger.Info("metrics server listening", zap.String("addr", b.Config.Metrics.Addr))
}

// Stop gracefully closes the bot's session. A sweep in progress is cancelled before the
// scheduler waits for it.
func (b *Bot) Stop() {
	b.cancel()
	b.stopScheduler()

	if pending := b.Queue.Status(); pending.Total() > 0 {
		b.Logger.Warn("dropping queued tasks", zap.Stringer("queue", pending))
		b.Queue.Clear()
	}
	if b.Session != nil {
		if err := b.Session.Close(); err != nil {
			b.Logger.Warn("error closing session", zap.Error(err))
		}
	}
	if b.Health != nil {
		b.Health.Stop()
	}
	if b.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.metrics.Shutdown(ctx)
	}
	if err := b.Store.Close(); err != nil {
		b.Logger.Warn("error closing database", zap.Error(err))
	}
	b.Logger.Info("bot stopped gracefully")
	_ = b.Logger.Sync()
}

// Run is the main entry point for the bot application. SIGHUP clears the forum cache.
func Run(cfg *config.Config, logger *zap.Logger, registerHandlers func(*Bot)) error {
	bot, err := NewBot(cfg, logger)
	if err != nil {
		return err
	}
	if err := bot.Start(registerHandlers); err != nil {
		bot.Stop()
		return err
	}

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, os.Interrupt)
	defer signal.Stop(sc)
	for sig := range sc {
		if sig == syscall.SIGHUP {
			bot.Cache.Clear()
			logger.Info("forum cache cleared")
			continue
		}
		break
	}

	bot.Stop()
	return nil
}
