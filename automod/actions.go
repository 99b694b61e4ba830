package automod

import (
	"context"
	"fmt"

	"forum-automod/models"
	"forum-automod/platform"
	"forum-automod/queue"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var decisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_decisions_total",
	Help: "Number of evaluated messages, by decision",
}, []string{"action"})

const (
	colorRemoved = 0xff0000
	colorWarning = 0xffff00

	// Discord caps embed field values and audit log reasons.
	maxFieldLength  = 1024
	maxReasonLength = 512
)

func (e *Engine) execute(ctx context.Context, thread *discordgo.Channel, msg *discordgo.Message, d models.Decision, log *zap.Logger) {
	switch d.Action {
	case models.ActionBlock, models.ActionRequired, models.ActionShort, models.ActionDuplicate:
		e.notify(ctx, thread, msg, d, log)
		e.enqueueRemoval(thread, msg, d)
	case models.ActionWarn:
		if !e.opts.DeliverWarnings {
			log.Debug("warning notice not delivered", zap.String("reason", d.Reason))
			return
		}
		e.notify(ctx, thread, msg, d, log)
	case models.ActionAllow, models.ActionNone:
	}
}

// Notice builds the embed sent privately to the author of actioned content.
func Notice(thread *discordgo.Channel, msg *discordgo.Message, d models.Decision) *discordgo.MessageEmbed {
	color := colorRemoved
	description := "Your post has been removed."
	if !d.Action.Removes() {
		color = colorWarning
		description = "Your post has been flagged."
	}
	title := "Automod"
	if thread != nil && thread.Name != "" {
		title = thread.Name
	}
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: description,
		Color:       color,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Rule", Value: d.Action.RuleType(), Inline: true},
			{Name: "Reason", Value: truncate(d.Reason, maxFieldLength)},
			{Name: "Content", Value: truncate(nonEmpty(msg.Content), maxFieldLength)},
		},
	}
}

func (e *Engine) notify(ctx context.Context, thread *discordgo.Channel, msg *discordgo.Message, d models.Decision, log *zap.Logger) {
	if msg.Author == nil {
		return
	}
	dm, err := e.client.UserChannelCreate(msg.Author.ID, discordgo.WithContext(ctx))
	if err != nil {
		log.Info("could not open private channel", zap.String("user_id", msg.Author.ID), zap.Error(err))
		return
	}
	if _, err := e.client.ChannelMessageSendEmbed(dm.ID, Notice(thread, msg, d), discordgo.WithContext(ctx)); err != nil {
		// users may close their DMs
		log.Info("could not deliver notice", zap.String("user_id", msg.Author.ID), zap.Error(err))
	}
}

// enqueueRemoval schedules exactly one deletion: the whole thread for a starter message, the
// message otherwise.
func (e *Engine) enqueueRemoval(thread *discordgo.Channel, msg *discordgo.Message, d models.Decision) {
	reason := truncate(fmt.Sprintf("%s: %s", d.Action.RuleType(), d.Reason), maxReasonLength)

	var task *queue.Task
	if platform.IsStarter(msg) {
		task = queue.NewTask("automod: delete thread "+thread.Name, thread.ID, func(ctx context.Context) error {
			_, err := e.client.ChannelDelete(thread.ID, discordgo.WithAuditLogReason(reason), discordgo.WithContext(ctx))
			return err
		})
	} else {
		task = queue.NewTask("automod: delete message in "+thread.Name, thread.ID, func(ctx context.Context) error {
			return e.client.ChannelMessageDelete(msg.ChannelID, msg.ID, discordgo.WithAuditLogReason(reason), discordgo.WithContext(ctx))
		})
	}
	e.queue.Add(task, queue.Normal)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func nonEmpty(s string) string {
	if s == "" {
		return "(empty)"
	}
	return s
}
