package export

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"forum-automod/platform/platformtest"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHistoryIsOldestFirstAcrossPages(t *testing.T) {
	fake := platformtest.New()
	forum := fake.AddForum("g1", "1000", "help")
	base := time.Now().Add(-24 * time.Hour)
	thread, _ := fake.AddThread(forum, "u1", "crash", "starter", base)
	for i := 1; i <= 250; i++ {
		fake.AddMessage(thread.ID, "u2", fmt.Sprintf("reply %d", i), base.Add(time.Duration(i)*time.Second))
	}

	x := NewExporter(fake, 0, zap.NewNop())
	msgs, err := x.History(context.Background(), thread.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 251)
	assert.Equal(t, "starter", msgs[0].Content)
	assert.Equal(t, "reply 250", msgs[250].Content)
	assert.Equal(t, 3, fake.Calls("ChannelMessages"))
}

func TestHistoryLimit(t *testing.T) {
	fake := platformtest.New()
	forum := fake.AddForum("g1", "1000", "help")
	base := time.Now().Add(-24 * time.Hour)
	thread, _ := fake.AddThread(forum, "u1", "crash", "starter", base)
	for i := 1; i <= 150; i++ {
		fake.AddMessage(thread.ID, "u2", fmt.Sprintf("reply %d", i), base.Add(time.Duration(i)*time.Second))
	}

	msgs, err := NewExporter(fake, 120, zap.NewNop()).History(context.Background(), thread.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 120)
	assert.Equal(t, "reply 150", msgs[119].Content, "the newest messages are kept")
}

func TestRenderEscapesContent(t *testing.T) {
	thread := &discordgo.Channel{ID: platformtest.Snowflake(time.Now(), 1), Name: "help me"}
	msgs := []*discordgo.Message{
		{
			ID:        thread.ID,
			ChannelID: thread.ID,
			Content:   "<script>alert(1)</script>",
			Author:    &discordgo.User{Username: "alice"},
			Timestamp: time.Now(),
			Attachments: []*discordgo.MessageAttachment{
				{Filename: "shot.png", URL: "https://cdn.example/shot.png", ContentType: "image/png"},
				{Filename: "log.txt", URL: "https://cdn.example/log.txt", ContentType: "text/plain"},
			},
		},
	}

	html, err := Render(thread, msgs)
	require.NoError(t, err)
	out := string(html)
	assert.Contains(t, out, "<title>help me</title>")
	assert.Contains(t, out, "Author: alice")
	assert.NotContains(t, out, "<script>")
	assert.Contains(t, out, `<img src="https://cdn.example/shot.png"`)
	assert.Contains(t, out, `<a href="https://cdn.example/log.txt" target="_blank">log.txt</a>`)
}

func TestPostSendsZip(t *testing.T) {
	fake := platformtest.New()
	forum := fake.AddForum("g1", "1000", "help")
	fake.AddForum("g1", "log", "cleanup-log")
	thread, _ := fake.AddThread(forum, "u1", "what? a crash", "my game crashes", time.Now().Add(-time.Hour))

	x := NewExporter(fake, 0, zap.NewNop())
	require.NoError(t, x.Post(context.Background(), "log", thread, "My Guild", "too old"))

	sent := fake.Complex["log"]
	require.Len(t, sent, 1)
	assert.Equal(t, "what? a crash has been automatically removed: too old", sent[0].Content)
	require.Len(t, sent[0].Files, 1)
	file := sent[0].Files[0]
	assert.Equal(t, "My Guild_what a crash.zip", file.Name)

	data, err := io.ReadAll(file.Reader)
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	assert.Equal(t, thread.ID+"/what_a_crash.html", zr.File[0].Name)

	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Contains(t, string(body), "my game crashes")
}

func TestPostFailsWhenThreadIsGone(t *testing.T) {
	fake := platformtest.New()
	thread := &discordgo.Channel{ID: "42", GuildID: "g1", Name: "gone"}

	err := NewExporter(fake, 0, zap.NewNop()).Post(context.Background(), "log", thread, "", "reason")
	assert.Error(t, err)
	assert.Empty(t, fake.Complex)
}

func TestLogMessageWithoutReason(t *testing.T) {
	assert.Equal(t, "old post has been automatically removed.", LogMessage(&discordgo.Channel{Name: "old post"}, ""))
}
