package relay

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"

	"github.com/blockedby/wa-relay/internal/logger"
)

// Rendering constants.
const (
	MaxDescriptionLength = 4096

	SelfLabel        = "You"
	UnknownLabel     = "Unknown"
	MediaPlaceholder = "[Media attachment]"
	EmptyPlaceholder = "[New message]"
	ReplayTitle      = "🕘 Replay"

	ColorLive       = 0x25D366
	ColorHistorical = 0x95A5A6

	DefaultMediaTimeout = 8 * time.Second
)

var errMediaTimeout = errors.New("media download timed out")

// Transformer turns inbound messages into RecentMessage entries and renders payloads.
type Transformer struct {
	profiles ProfileFetcher
	media    MediaDownloader
	timeout  time.Duration
	log      *logger.Logger
}

// NewTransformer creates a transformer. Either collaborator may be nil.
func NewTransformer(profiles ProfileFetcher, media MediaDownloader, timeout time.Duration, log *logger.Logger) *Transformer {
	if timeout <= 0 {
		timeout = DefaultMediaTimeout
	}
	return &Transformer{
		profiles: profiles,
		media:    media,
		timeout:  timeout,
		log:      log,
	}
}

// Build resolves sender name, body text and media for msg. It never fails:
// enrichment and media problems degrade to fallbacks.
func (t *Transformer) Build(ctx context.Context, msg InboundMessage) RecentMessage {
	rec := RecentMessage{
		ID:            msg.ID,
		ChatID:        msg.ChatID,
		ChatName:      msg.ChatName,
		Sender:        t.displayName(ctx, msg),
		Body:          BodyText(msg.Body, msg.Media != nil),
		HasAttachment: msg.Media != nil,
		Timestamp:     msg.Timestamp,
	}
	if msg.Media != nil {
		rec.Attachment = t.fetchMedia(ctx, msg)
	}
	return rec
}

func (t *Transformer) displayName(ctx context.Context, msg InboundMessage) string {
	if msg.Direction == DirectionSelfAuthored {
		return SelfLabel
	}

	if t.profiles != nil && msg.SenderID != "" {
		var name string
		_ = guard(t.log, "transformer.profile", func() error {
			var err error
			name, err = t.profiles.DisplayName(ctx, msg.SenderID)
			return err
		})
		if name = strings.TrimSpace(name); name != "" {
			return name
		}
	}

	if name := strings.TrimSpace(msg.PushName); name != "" {
		return name
	}
	return UnknownLabel
}

// fetchMedia races the download against the media timeout. The losing
// download is abandoned; its context is cancelled but not awaited.
func (t *Transformer) fetchMedia(ctx context.Context, msg InboundMessage) *Attachment {
	if t.media == nil {
		return nil
	}

	dlCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	ref := msg.Media
	go func() {
		var res result
		res.err = guard(t.log, "transformer.media", func() error {
			var err error
			res.data, err = t.media.Download(dlCtx, ref)
			return err
		})
		done <- res
	}()

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	var res result
	select {
	case res = <-done:
	case <-timer.C:
		res.err = errMediaTimeout
	case <-ctx.Done():
		res.err = ctx.Err()
	}

	if res.err != nil || len(res.data) == 0 {
		t.log.Warn().Err(res.err).Str("message_id", msg.ID).Str("kind", ref.Kind).Msg("transformer: forwarding without attachment")
		return nil
	}
	return NewAttachment(res.data, ref.MimeType, ref.FileName, ref.Kind)
}

// NewAttachment builds an attachment, sniffing the content type when the
// declared one is missing or generic.
func NewAttachment(data []byte, mimeType, fileName, kind string) *Attachment {
	detected := mimetype.Detect(data)

	mimeType = strings.TrimSpace(mimeType)
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = detected.String()
		if i := strings.IndexByte(mimeType, ';'); i >= 0 {
			mimeType = mimeType[:i]
		}
	}

	fileName = sanitizeFileName(fileName)
	if fileName == "" {
		if kind == "" {
			kind = "attachment"
		}
		fileName = kind + detected.Extension()
	}

	return &Attachment{Data: data, MimeType: mimeType, FileName: fileName}
}

func sanitizeFileName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

// BodyText applies the placeholder fallbacks and the description cap.
func BodyText(body string, hasMedia bool) string {
	switch {
	case strings.TrimSpace(body) != "":
	case hasMedia:
		body = MediaPlaceholder
	default:
		body = EmptyPlaceholder
	}
	return Truncate(body, MaxDescriptionLength)
}

// Truncate cuts s to at most n characters without splitting a rune.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// Render builds the destination payload for rec. Historical payloads are
// visually tagged so operators can tell replays from live forwards.
func Render(rec RecentMessage, community string, historical bool) Payload {
	p := Payload{
		MessageID:   rec.ID,
		ChatID:      rec.ChatID,
		AuthorName:  rec.Sender,
		Description: Truncate(rec.Body, MaxDescriptionLength),
		Footer:      Footer(community, rec.ChatName),
		Color:       ColorLive,
		Timestamp:   rec.Timestamp,
		Attachment:  rec.Attachment,
		ImageInline: rec.Attachment.IsImage(),
		Historical:  historical,
	}
	if historical {
		p.Title = ReplayTitle
		p.Color = ColorHistorical
	}
	return p
}

// Footer formats "<community> → <chat>", dropping whichever side is empty.
func Footer(community, chat string) string {
	community, chat = strings.TrimSpace(community), strings.TrimSpace(chat)
	switch {
	case community == "":
		return chat
	case chat == "":
		return community
	default:
		return community + " → " + chat
	}
}
