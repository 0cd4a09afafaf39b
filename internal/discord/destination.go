package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"

	"github.com/blockedby/wa-relay/internal/relay"
)

// Embed limits enforced by Discord.
const (
	maxTitleLength      = 256
	maxAuthorLength     = 256
	maxFooterLength     = 2048
	maxFields           = 25
	maxFieldNameLength  = 256
	maxFieldValueLength = 1024
)

// MaxUploadSize is the largest attachment uploaded with a post.
const MaxUploadSize = 10 << 20

// AuthorPrefix marks the author line of relayed posts.
const AuthorPrefix = "📱 "

type channelDestination struct {
	s       session
	channel *discordgo.Channel
}

func (d *channelDestination) Post(ctx context.Context, p relay.Payload) error {
	_, err := d.s.ChannelMessageSendComplex(d.channel.ID, BuildMessage(p), discordgo.WithContext(ctx))
	if err == nil {
		return nil
	}

	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) && rl.RateLimit != nil && rl.TooManyRequests != nil {
		return &relay.RetryAfterError{After: rl.RetryAfter, Err: err}
	}
	return fmt.Errorf("send to channel %s: %w", d.channel.ID, err)
}

// BuildMessage renders a payload as an embed with an optional file.
func BuildMessage(p relay.Payload) *discordgo.MessageSend {
	embed := &discordgo.MessageEmbed{
		Title:       relay.Truncate(p.Title, maxTitleLength),
		Description: relay.Truncate(p.Description, relay.MaxDescriptionLength),
		Color:       p.Color,
	}
	if p.AuthorName != "" {
		embed.Author = &discordgo.MessageEmbedAuthor{Name: relay.Truncate(AuthorPrefix+p.AuthorName, maxAuthorLength)}
	}
	if p.Footer != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: relay.Truncate(p.Footer, maxFooterLength)}
	}
	if !p.Timestamp.IsZero() {
		embed.Timestamp = p.Timestamp.UTC().Format(time.RFC3339)
	}

	msg := &discordgo.MessageSend{
		Embeds:          []*discordgo.MessageEmbed{embed},
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}

	a := p.Attachment
	if a == nil || len(a.Data) == 0 {
		return msg
	}
	if len(a.Data) > MaxUploadSize {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  "Attachment",
			Value: fmt.Sprintf("%s (%s, too large to upload)", a.FileName, humanize.Bytes(uint64(len(a.Data)))),
		})
		return msg
	}

	msg.Files = []*discordgo.File{{
		Name:        a.FileName,
		ContentType: a.MimeType,
		Reader:      bytes.NewReader(a.Data),
	}}
	if p.ImageInline && a.IsImage() {
		embed.Image = &discordgo.MessageEmbedImage{URL: "attachment://" + a.FileName}
	}
	return msg
}
