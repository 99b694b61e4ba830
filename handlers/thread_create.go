package handlers

import (
	"context"
	"time"

	"forum-automod/platform"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// ThreadCreate handles the THREAD_CREATE event.
func (h *Handlers) ThreadCreate(_ *discordgo.Session, t *discordgo.ThreadCreate) {
	if t == nil || t.Channel == nil || !t.NewlyCreated {
		return
	}
	if t.Type != discordgo.ChannelTypeGuildPublicThread {
		return
	}
	log := h.logger.With(zap.String("thread_id", t.ID), zap.String("guild_id", t.GuildID))

	// The first message has the same ID as the thread itself.
	starter, err := h.starter(h.ctx, t.ID)
	if err != nil {
		if platform.IsNotFound(err) {
			log.Debug("starter message never arrived", zap.Error(err))
		} else {
			log.Warn("could not fetch starter message", zap.Error(err))
		}
		return
	}
	h.automod.HandleThreadMessage(h.ctx, t.Channel, starter)
}

// starter fetches the starter message, retrying once after a delay: forum threads are created
// before their first message is readable.
func (h *Handlers) starter(ctx context.Context, threadID string) (*discordgo.Message, error) {
	msg, err := h.client.ChannelMessage(threadID, threadID, discordgo.WithContext(ctx))
	if err == nil || !platform.IsNotFound(err) || platform.IsUnknownChannel(err) {
		return msg, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(h.opts.StarterRetryDelay):
	}
	return h.client.ChannelMessage(threadID, threadID, discordgo.WithContext(ctx))
}
