// Package export renders thread histories into zipped HTML transcripts for the cleanup log.
package export

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"html/template"
	"regexp"
	"strings"
	"time"

	"forum-automod/platform"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const (
	pageSize = 100
	// DefaultMaxMessages bounds the history read for one transcript.
	DefaultMaxMessages = 5000
	timeLayout         = "01/02/2006 15:04"
)

var unsafeFilename = regexp.MustCompile(`[\\/*?:"<>|]`)

var transcript = template.Must(template.New("transcript").Funcs(template.FuncMap{
	"stamp":   func(t time.Time) string { return t.UTC().Format(timeLayout) },
	"isImage": func(a *discordgo.MessageAttachment) bool { return strings.HasPrefix(a.ContentType, "image/") },
}).Parse(`<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; max-width: 60em; margin: auto; }
.message { margin: 0.5em 0; }
.attachment { max-width: 20em; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p>Created at: {{stamp .CreatedAt}}</p>
<p>Author: {{.Author}}</p>
<hr>
{{range .Messages}}<div class="message">
<p><strong>{{if .Author}}{{.Author.Username}}{{else}}unknown{{end}}</strong> at {{stamp .Timestamp}}:</p>
<p>{{.Content}}</p>
{{if .Attachments}}<div class="attachment-container">
{{range .Attachments}}{{if isImage .}}<a href="{{.URL}}" title="Click to view full image" target="_blank"><img src="{{.URL}}" alt="{{.Filename}}" class="attachment"></a>
{{else}}<p><a href="{{.URL}}" target="_blank">{{.Filename}}</a></p>
{{end}}{{end}}</div>
{{end}}</div>
<hr>
{{end}}</body>
</html>
`))

type page struct {
	Title     string
	CreatedAt time.Time
	Author    string
	Messages  []*discordgo.Message
}

type Exporter struct {
	client      platform.Client
	maxMessages int
	logger      *zap.Logger
}

func NewExporter(client platform.Client, maxMessages int, logger *zap.Logger) *Exporter {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &Exporter{client: client, maxMessages: maxMessages, logger: logger}
}

// History returns up to the exporter's limit of the thread's newest messages, oldest first.
func (x *Exporter) History(ctx context.Context, threadID string) ([]*discordgo.Message, error) {
	var msgs []*discordgo.Message
	before := ""
	for len(msgs) < x.maxMessages {
		batch, err := x.client.ChannelMessages(threadID, pageSize, before, "", "", discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("read history of %s: %w", threadID, err)
		}
		msgs = append(msgs, batch...)
		if len(batch) < pageSize {
			break
		}
		before = batch[len(batch)-1].ID
	}
	if len(msgs) > x.maxMessages {
		msgs = msgs[:x.maxMessages]
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Render writes the HTML transcript of thread.
func Render(thread *discordgo.Channel, msgs []*discordgo.Message) ([]byte, error) {
	p := page{
		Title:     thread.Name,
		CreatedAt: platform.CreatedAt(thread.ID),
		Author:    thread.OwnerID,
		Messages:  msgs,
	}
	if len(msgs) > 0 && platform.IsStarter(msgs[0]) && msgs[0].Author != nil {
		p.Author = msgs[0].Author.Username
	}
	var buf bytes.Buffer
	if err := transcript.Execute(&buf, p); err != nil {
		return nil, fmt.Errorf("render transcript: %w", err)
	}
	return buf.Bytes(), nil
}

// Archive zips the rendered transcript under <thread id>/<thread name>.html.
func Archive(thread *discordgo.Channel, html []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	name := Filename(strings.ReplaceAll(thread.Name, " ", "_"))
	if name == "" {
		name = thread.ID
	}
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     thread.ID + "/" + name + ".html",
		Method:   zip.Deflate,
		Modified: time.Now(),
	})
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(html); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Filename strips characters that are not allowed in file names.
func Filename(name string) string {
	return strings.TrimSpace(unsafeFilename.ReplaceAllString(name, ""))
}

// LogMessage is the text posted alongside a transcript.
func LogMessage(thread *discordgo.Channel, reason string) string {
	if reason == "" {
		return fmt.Sprintf("%s has been automatically removed.", thread.Name)
	}
	return fmt.Sprintf("%s has been automatically removed: %s", thread.Name, reason)
}

// Post exports thread and sends the archive to channelID.
func (x *Exporter) Post(ctx context.Context, channelID string, thread *discordgo.Channel, guildName, reason string) error {
	msgs, err := x.History(ctx, thread.ID)
	if err != nil {
		return err
	}
	html, err := Render(thread, msgs)
	if err != nil {
		return err
	}
	archive, err := Archive(thread, html)
	if err != nil {
		return fmt.Errorf("archive transcript: %w", err)
	}

	prefix := guildName
	if prefix == "" {
		prefix = thread.GuildID
	}
	_, err = x.client.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content: LogMessage(thread, reason),
		Files: []*discordgo.File{{
			Name:        Filename(prefix+"_"+thread.Name) + ".zip",
			ContentType: "application/zip",
			Reader:      bytes.NewReader(archive),
		}},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("post transcript of %s: %w", thread.ID, err)
	}
	x.logger.Info("transcript posted",
		zap.String("thread_id", thread.ID),
		zap.String("log_channel_id", channelID),
		zap.Int("messages", len(msgs)),
	)
	return nil
}
