// Package platform is the boundary to Discord. Client is the subset of *discordgo.Session the
// engines call, so a live session can be passed straight in and tests can substitute a fake.
package platform

import (
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Client is satisfied by *discordgo.Session.
type Client interface {
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	GuildThreadsActive(guildID string, options ...discordgo.RequestOption) (*discordgo.ThreadsList, error)
	ThreadsArchived(channelID string, before *time.Time, limit int, options ...discordgo.RequestOption) (*discordgo.ThreadsList, error)
	ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	ChannelDelete(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelEdit(channelID string, data *discordgo.ChannelEdit, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	GuildMembers(guildID string, after string, limit int, options ...discordgo.RequestOption) ([]*discordgo.Member, error)
}

var _ Client = (*discordgo.Session)(nil)

// IsThread reports whether the channel is a thread of any kind.
func IsThread(ch *discordgo.Channel) bool {
	return ch != nil && ch.IsThread()
}

// IsArchived reports the archived flag of a thread.
func IsArchived(ch *discordgo.Channel) bool {
	return ch != nil && ch.ThreadMetadata != nil && ch.ThreadMetadata.Archived
}

// IsStarter reports whether msg opened the thread it was posted in.
func IsStarter(msg *discordgo.Message) bool {
	return msg != nil && msg.ID == msg.ChannelID
}

// CreatedBefore compares two snowflakes by creation order.
func CreatedBefore(a, b string) bool {
	ai, errA := strconv.ParseUint(a, 10, 64)
	bi, errB := strconv.ParseUint(b, 10, 64)
	if errA != nil || errB != nil {
		return a < b
	}
	return ai < bi
}

// CreatedAt returns the creation time encoded in a snowflake, or the zero time.
func CreatedAt(id string) time.Time {
	t, err := discordgo.SnowflakeTimestamp(id)
	if err != nil {
		return time.Time{}
	}
	return t
}

// JumpURL links to a channel or thread in the Discord client.
func JumpURL(guildID, channelID string) string {
	return fmt.Sprintf("https://discord.com/channels/%s/%s", guildID, channelID)
}
