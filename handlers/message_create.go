package handlers

import (
	"forum-automod/platform"

	"github.com/bwmarrin/discordgo"
)

// MessageCreate evaluates replies posted in threads. Starter messages arrive through
// ThreadCreate.
func (h *Handlers) MessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if !h.opts.EvaluateReplies || m == nil || m.Message == nil {
		return
	}
	// Ignore bots, including ourselves, and direct messages.
	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}
	if platform.IsStarter(m.Message) {
		return
	}
	h.automod.EvaluateMessage(h.ctx, m.Message)
}
