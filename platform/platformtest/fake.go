// Package platformtest provides an in-memory platform.Client for tests.
package platformtest

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"forum-automod/platform"

	"github.com/bwmarrin/discordgo"
)

const discordEpoch = 1420070400000

// Snowflake returns an id whose encoded creation time is at. seq separates ids created in the
// same millisecond.
func Snowflake(at time.Time, seq int) string {
	ms := at.UnixMilli() - discordEpoch
	return strconv.FormatUint(uint64(ms)<<22|uint64(seq&0xfff), 10)
}

// DeletedMessage identifies a message removed through the fake.
type DeletedMessage struct {
	ChannelID string
	MessageID string
}

// Fake is a small in-memory guild. Threads and channels live in Channels, message history in
// Messages (oldest first), archived threads of a forum are Channels with archived metadata.
type Fake struct {
	mu sync.Mutex

	Channels map[string]*discordgo.Channel
	Messages map[string][]*discordgo.Message
	Members  map[string][]*discordgo.Member

	// Recorded side effects.
	DeletedChannels []string
	DeletedMessages []DeletedMessage
	Unarchived      []string
	AuditReasons    map[string]string
	Sent            map[string][]string
	Embeds          map[string][]*discordgo.MessageEmbed
	Complex         map[string][]*discordgo.MessageSend

	failures map[string]error
	calls    map[string]int
}

var _ platform.Client = (*Fake)(nil)

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		Channels:     make(map[string]*discordgo.Channel),
		Messages:     make(map[string][]*discordgo.Message),
		Members:      make(map[string][]*discordgo.Member),
		AuditReasons: make(map[string]string),
		Sent:         make(map[string][]string),
		Embeds:       make(map[string][]*discordgo.MessageEmbed),
		Complex:      make(map[string][]*discordgo.MessageSend),
		failures:     make(map[string]error),
		calls:        make(map[string]int),
	}
}

// Fail makes every call of method on id return err. An empty id matches any id.
func (f *Fake) Fail(method, id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method+":"+id] = err
}

// Calls returns how many times method was called.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *Fake) enter(method, id string) error {
	f.calls[method]++
	if err, ok := f.failures[method+":"+id]; ok {
		return err
	}
	return f.failures[method+":"]
}

// AddForum registers a forum channel.
func (f *Fake) AddForum(guildID, forumID, name string) *discordgo.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := &discordgo.Channel{ID: forumID, GuildID: guildID, Name: name, Type: discordgo.ChannelTypeGuildForum}
	f.Channels[forumID] = ch
	return ch
}

// AddThread creates a public thread in forum with its starter message. The thread id equals the
// starter message id.
func (f *Fake) AddThread(forum *discordgo.Channel, ownerID, name, content string, at time.Time) (*discordgo.Channel, *discordgo.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := Snowflake(at, len(f.Channels))
	thread := &discordgo.Channel{
		ID:             id,
		GuildID:        forum.GuildID,
		ParentID:       forum.ID,
		OwnerID:        ownerID,
		Name:           name,
		Type:           discordgo.ChannelTypeGuildPublicThread,
		ThreadMetadata: &discordgo.ThreadMetadata{},
	}
	f.Channels[id] = thread
	msg := &discordgo.Message{
		ID:        id,
		ChannelID: id,
		GuildID:   forum.GuildID,
		Content:   content,
		Author:    &discordgo.User{ID: ownerID, Username: "user-" + ownerID},
		Timestamp: at,
	}
	f.Messages[id] = append(f.Messages[id], msg)
	return thread, msg
}

// AddMessage appends a reply to a thread.
func (f *Fake) AddMessage(channelID, authorID, content string, at time.Time) *discordgo.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := &discordgo.Message{
		ID:        Snowflake(at, len(f.Messages[channelID])+1),
		ChannelID: channelID,
		Content:   content,
		Author:    &discordgo.User{ID: authorID, Username: "user-" + authorID},
		Timestamp: at,
	}
	if ch, ok := f.Channels[channelID]; ok {
		msg.GuildID = ch.GuildID
	}
	f.Messages[channelID] = append(f.Messages[channelID], msg)
	return msg
}

// Archive marks a thread archived at the given time.
func (f *Fake) Archive(threadID string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.Channels[threadID]; ok {
		ch.ThreadMetadata = &discordgo.ThreadMetadata{Archived: true, ArchiveTimestamp: at}
	}
}

// AddMember adds a guild member.
func (f *Fake) AddMember(guildID, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Members[guildID] = append(f.Members[guildID], &discordgo.Member{GuildID: guildID, User: &discordgo.User{ID: userID}})
}

// RemoveStarter deletes a thread's starter message without deleting the thread.
func (f *Fake) RemoveStarter(threadID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeMessage(threadID, threadID)
}

func (f *Fake) removeMessage(channelID, messageID string) bool {
	msgs := f.Messages[channelID]
	for i, m := range msgs {
		if m.ID == messageID {
			f.Messages[channelID] = append(msgs[:i:i], msgs[i+1:]...)
			return true
		}
	}
	return false
}

// NotFound is the error Discord returns for a missing resource.
func NotFound(code int) error {
	return platform.NewRESTError(http.StatusNotFound, code, "Unknown")
}

// Forbidden is the error Discord returns when permissions are missing.
func Forbidden() error {
	return platform.NewRESTError(http.StatusForbidden, discordgo.ErrCodeMissingPermissions, "Missing Permissions")
}

func copyChannel(ch *discordgo.Channel) *discordgo.Channel {
	c := *ch
	if ch.ThreadMetadata != nil {
		md := *ch.ThreadMetadata
		c.ThreadMetadata = &md
	}
	return &c
}

func (f *Fake) Channel(channelID string, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Channel", channelID); err != nil {
		return nil, err
	}
	ch, ok := f.Channels[channelID]
	if !ok {
		return nil, NotFound(discordgo.ErrCodeUnknownChannel)
	}
	return copyChannel(ch), nil
}

func (f *Fake) GuildThreadsActive(guildID string, _ ...discordgo.RequestOption) (*discordgo.ThreadsList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GuildThreadsActive", guildID); err != nil {
		return nil, err
	}
	list := &discordgo.ThreadsList{}
	for _, ch := range f.sortedChannels() {
		if ch.GuildID == guildID && ch.IsThread() && !platform.IsArchived(ch) {
			list.Threads = append(list.Threads, copyChannel(ch))
		}
	}
	return list, nil
}

func (f *Fake) ThreadsArchived(channelID string, before *time.Time, limit int, _ ...discordgo.RequestOption) (*discordgo.ThreadsList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ThreadsArchived", channelID); err != nil {
		return nil, err
	}
	if _, ok := f.Channels[channelID]; !ok {
		return nil, NotFound(discordgo.ErrCodeUnknownChannel)
	}

	var archived []*discordgo.Channel
	for _, ch := range f.Channels {
		if ch.ParentID != channelID || !platform.IsArchived(ch) {
			continue
		}
		if before != nil && !ch.ThreadMetadata.ArchiveTimestamp.Before(*before) {
			continue
		}
		archived = append(archived, ch)
	}
	sort.Slice(archived, func(i, j int) bool {
		ti, tj := archived[i].ThreadMetadata.ArchiveTimestamp, archived[j].ThreadMetadata.ArchiveTimestamp
		if ti.Equal(tj) {
			return archived[i].ID > archived[j].ID
		}
		return ti.After(tj)
	})

	list := &discordgo.ThreadsList{}
	if limit > 0 && len(archived) > limit {
		archived = archived[:limit]
		list.HasMore = true
	}
	for _, ch := range archived {
		list.Threads = append(list.Threads, copyChannel(ch))
	}
	return list, nil
}

func (f *Fake) ChannelMessage(channelID, messageID string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ChannelMessage", messageID); err != nil {
		return nil, err
	}
	if _, ok := f.Channels[channelID]; !ok {
		return nil, NotFound(discordgo.ErrCodeUnknownChannel)
	}
	for _, m := range f.Messages[channelID] {
		if m.ID == messageID {
			c := *m
			return &c, nil
		}
	}
	return nil, NotFound(discordgo.ErrCodeUnknownMessage)
}

// ChannelMessages returns up to limit messages newest first. Only beforeID paging is supported.
func (f *Fake) ChannelMessages(channelID string, limit int, beforeID, _, _ string, _ ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ChannelMessages", channelID); err != nil {
		return nil, err
	}
	if _, ok := f.Channels[channelID]; !ok {
		return nil, NotFound(discordgo.ErrCodeUnknownChannel)
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	msgs := f.Messages[channelID]
	var out []*discordgo.Message
	for i := len(msgs) - 1; i >= 0 && len(out) < limit; i-- {
		if beforeID != "" && !platform.CreatedBefore(msgs[i].ID, beforeID) {
			continue
		}
		c := *msgs[i]
		out = append(out, &c)
	}
	return out, nil
}

func (f *Fake) ChannelMessageSend(channelID string, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ChannelMessageSend", channelID); err != nil {
		return nil, err
	}
	f.Sent[channelID] = append(f.Sent[channelID], content)
	return &discordgo.Message{ChannelID: channelID, Content: content}, nil
}

func (f *Fake) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ChannelMessageSendEmbed", channelID); err != nil {
		return nil, err
	}
	f.Embeds[channelID] = append(f.Embeds[channelID], embed)
	return &discordgo.Message{ChannelID: channelID, Embeds: []*discordgo.MessageEmbed{embed}}, nil
}

func (f *Fake) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ChannelMessageSendComplex", channelID); err != nil {
		return nil, err
	}
	f.Complex[channelID] = append(f.Complex[channelID], data)
	return &discordgo.Message{ChannelID: channelID, Content: data.Content}, nil
}

func (f *Fake) UserChannelCreate(recipientID string, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UserChannelCreate", recipientID); err != nil {
		return nil, err
	}
	return &discordgo.Channel{ID: DMChannel(recipientID), Type: discordgo.ChannelTypeDM}, nil
}

// DMChannel is the id of the private channel the fake opens for a user.
func DMChannel(userID string) string {
	return "dm-" + userID
}

func (f *Fake) ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ChannelMessageDelete", messageID); err != nil {
		return err
	}
	if _, ok := f.Channels[channelID]; !ok {
		return NotFound(discordgo.ErrCodeUnknownChannel)
	}
	if !f.removeMessage(channelID, messageID) {
		return NotFound(discordgo.ErrCodeUnknownMessage)
	}
	f.DeletedMessages = append(f.DeletedMessages, DeletedMessage{ChannelID: channelID, MessageID: messageID})
	return nil
}

func (f *Fake) ChannelDelete(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ChannelDelete", channelID); err != nil {
		return nil, err
	}
	ch, ok := f.Channels[channelID]
	if !ok {
		return nil, NotFound(discordgo.ErrCodeUnknownChannel)
	}
	delete(f.Channels, channelID)
	delete(f.Messages, channelID)
	f.DeletedChannels = append(f.DeletedChannels, channelID)
	if reason := auditReason(options); reason != "" {
		f.AuditReasons[channelID] = reason
	}
	return ch, nil
}

func (f *Fake) ChannelEdit(channelID string, data *discordgo.ChannelEdit, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ChannelEdit", channelID); err != nil {
		return nil, err
	}
	ch, ok := f.Channels[channelID]
	if !ok {
		return nil, NotFound(discordgo.ErrCodeUnknownChannel)
	}
	if data.Archived != nil {
		if ch.ThreadMetadata == nil {
			ch.ThreadMetadata = &discordgo.ThreadMetadata{}
		}
		ch.ThreadMetadata.Archived = *data.Archived
		if !*data.Archived {
			f.Unarchived = append(f.Unarchived, channelID)
		}
	}
	if data.Name != "" {
		ch.Name = data.Name
	}
	return copyChannel(ch), nil
}

func (f *Fake) GuildMembers(guildID string, after string, limit int, _ ...discordgo.RequestOption) ([]*discordgo.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GuildMembers", guildID); err != nil {
		return nil, err
	}
	members := append([]*discordgo.Member(nil), f.Members[guildID]...)
	sort.Slice(members, func(i, j int) bool { return platform.CreatedBefore(members[i].User.ID, members[j].User.ID) })

	var out []*discordgo.Member
	for _, m := range members {
		if after != "" && !platform.CreatedBefore(after, m.User.ID) {
			continue
		}
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, m)
	}
	return out, nil
}

func (f *Fake) sortedChannels() []*discordgo.Channel {
	out := make([]*discordgo.Channel, 0, len(f.Channels))
	for _, ch := range f.Channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return platform.CreatedBefore(out[i].ID, out[j].ID) })
	return out
}

// auditReason extracts the X-Audit-Log-Reason header a request option would set.
func auditReason(options []discordgo.RequestOption) string {
	cfg := &discordgo.RequestConfig{Request: &http.Request{Header: http.Header{}}}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg.Request.Header.Get("X-Audit-Log-Reason")
}

// String summarises the recorded side effects, for failure messages.
func (f *Fake) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("deleted channels %v, deleted messages %v, unarchived %v", f.DeletedChannels, f.DeletedMessages, f.Unarchived)
}
