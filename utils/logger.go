package utils

import (
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	ColorInfo  = 0x00ff00 // Green
	ColorWarn  = 0xffff00 // Yellow
	ColorError = 0xff0000 // Red
)

// NewLogger builds the process logger. level is a zap level name; an unknown level falls back to info.
func NewLogger(level string, development bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// EmbedSender posts an embed to a channel. *discordgo.Session satisfies it.
type EmbedSender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// ChannelLogger reports operational events to the admin channel as embeds. Without a channel it
// writes to the zap logger only.
type ChannelLogger struct {
	sender    EmbedSender
	channelID string
	logger    *zap.Logger
}

// NewChannelLogger creates a channel logger. sender may be nil.
func NewChannelLogger(sender EmbedSender, channelID string, logger *zap.Logger) *ChannelLogger {
	if channelID == "" {
		logger.Warn("bot.admin_channel_id is not set, admin channel logging is disabled")
	}
	return &ChannelLogger{sender: sender, channelID: channelID, logger: logger}
}

// Log sends a log message to the admin channel.
func (l *ChannelLogger) Log(level, module, operation, details string) {
	fields := []zap.Field{zap.String("module", module), zap.String("operation", operation), zap.String("details", details)}
	switch level {
	case "WARN":
		l.logger.Warn("admin log", fields...)
	case "ERROR":
		l.logger.Error("admin log", fields...)
	default:
		l.logger.Info("admin log", fields...)
	}

	if l.sender == nil || l.channelID == "" {
		return
	}

	var color int
	switch level {
	case "WARN":
		color = ColorWarn
	case "ERROR":
		color = ColorError
	default:
		color = ColorInfo
	}

	embed := &discordgo.MessageEmbed{
		Title:     fmt.Sprintf("Log Level: %s", level),
		Color:     color,
		Timestamp: time.Now().Format(time.RFC3339),
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:   "Module",
				Value:  module,
				Inline: true,
			},
			{
				Name:   "Operation",
				Value:  operation,
				Inline: true,
			},
			{
				Name:  "Details",
				Value: details,
			},
		},
	}

	if _, err := l.sender.ChannelMessageSendEmbed(l.channelID, embed); err != nil {
		l.logger.Warn("error sending log message to Discord", zap.Error(err))
	}
}

// Info logs an informational message.
func (l *ChannelLogger) Info(module, operation, details string) {
	l.Log("INFO", module, operation, details)
}

// Warn logs a warning message.
func (l *ChannelLogger) Warn(module, operation, details string) {
	l.Log("WARN", module, operation, details)
}

// Error logs an error message.
func (l *ChannelLogger) Error(module, operation, details string) {
	l.Log("ERROR", module, operation, details)
}
