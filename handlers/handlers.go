package handlers

import (
	"context"
	"time"

	"forum-automod/bot"
	"forum-automod/models"
	"forum-automod/platform"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// Evaluator is the rule engine.
type Evaluator interface {
	EvaluateMessage(ctx context.Context, msg *discordgo.Message) models.Decision
	HandleThreadMessage(ctx context.Context, thread *discordgo.Channel, msg *discordgo.Message) models.Decision
}

// Canceller drops pending work bound to a channel.
type Canceller interface {
	RemoveChannel(channelID string) int
}

type Options struct {
	// StarterRetryDelay is how long to wait before fetching a missing starter message again.
	StarterRetryDelay time.Duration
	// EvaluateReplies runs the rule engine on replies inside threads as well.
	EvaluateReplies bool
}

// Handlers routes gateway events to the engines.
type Handlers struct {
	ctx     context.Context
	client  platform.Client
	automod Evaluator
	pending []Canceller
	opts    Options
	logger  *zap.Logger
}

func New(ctx context.Context, client platform.Client, automod Evaluator, pending []Canceller, opts Options, logger *zap.Logger) *Handlers {
	return &Handlers{
		ctx:     ctx,
		client:  client,
		automod: automod,
		pending: pending,
		opts:    opts,
		logger:  logger,
	}
}

// Register all handlers to the bot.
func Register(b *bot.Bot) {
	h := New(b.Context(), b.Session, b.Automod, []Canceller{b.Queue, b.Cleanup}, Options{
		StarterRetryDelay: b.Config.Automod.StarterRetryDelay,
		EvaluateReplies:   b.Config.Automod.EvaluateReplies,
	}, b.Logger)

	b.Session.AddHandler(h.ThreadCreate)
	b.Session.AddHandler(h.MessageCreate)
	b.Session.AddHandler(h.ThreadDelete)

	// Gateway state drives the health service.
	b.Session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		b.Logger.Info("logged in", zap.String("user", r.User.Username), zap.Int("guilds", len(r.Guilds)))
		b.SetGatewayUp(true)
	})
	b.Session.AddHandler(func(s *discordgo.Session, r *discordgo.Resumed) {
		b.SetGatewayUp(true)
	})
	b.Session.AddHandler(func(s *discordgo.Session, d *discordgo.Disconnect) {
		b.Logger.Warn("gateway disconnected")
		b.SetGatewayUp(false)
	})
}
