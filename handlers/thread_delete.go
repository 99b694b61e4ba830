package handlers

import (
	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// ThreadDelete drops queued and delayed work for a thread that no longer exists.
func (h *Handlers) ThreadDelete(_ *discordgo.Session, t *discordgo.ThreadDelete) {
	if t == nil || t.Channel == nil {
		return
	}
	n := 0
	for _, c := range h.pending {
		n += c.RemoveChannel(t.ID)
	}
	if n > 0 {
		h.logger.Info("dropped queued tasks of deleted thread",
			zap.String("thread_id", t.ID),
			zap.String("guild_id", t.GuildID),
			zap.Int("tasks", n),
		)
	}
}
