package whatsapp

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/blockedby/wa-relay/internal/relay"
)

// Normalize converts a whatsmeow message event into the relay's single
// inbound event. ok is false for events that carry no user content
// (reactions, revokes, edits, key distribution, status broadcasts).
// ChatName and SenderIsAdmin are left for the caller to enrich.
func Normalize(evt *events.Message) (msg relay.InboundMessage, ok bool) {
	if evt == nil || evt.Message == nil {
		return msg, false
	}
	if evt.Info.Chat == types.StatusBroadcastJID || evt.Info.Chat.Server == types.BroadcastServer {
		return msg, false
	}
	if evt.IsEdit {
		return msg, false
	}

	body, media, ok := extractContent(evt.Message)
	if !ok {
		return msg, false
	}

	msg = relay.InboundMessage{
		ID:        string(evt.Info.ID),
		ChatID:    evt.Info.Chat.String(),
		IsGroup:   evt.Info.IsGroup,
		SenderID:  evt.Info.Sender.ToNonAD().String(),
		PushName:  evt.Info.PushName,
		Direction: relay.DirectionInbound,
		Body:      body,
		Media:     media,
		Timestamp: evt.Info.Timestamp,
	}
	if evt.Info.IsFromMe {
		msg.Direction = relay.DirectionSelfAuthored
	}
	return msg, true
}

func extractContent(m *waE2E.Message) (body string, media *relay.MediaRef, ok bool) {
	if m.GetProtocolMessage() != nil || m.GetReactionMessage() != nil ||
		m.GetEncReactionMessage() != nil || m.GetPollUpdateMessage() != nil {
		return "", nil, false
	}

	if doc := m.GetDocumentWithCaptionMessage().GetMessage(); doc != nil {
		m = doc
	}

	switch {
	case m.GetConversation() != "":
		return m.GetConversation(), nil, true

	case m.GetExtendedTextMessage() != nil:
		return m.GetExtendedTextMessage().GetText(), nil, true

	case m.GetImageMessage() != nil:
		img := m.GetImageMessage()
		return img.GetCaption(), &relay.MediaRef{
			Kind:     "image",
			MimeType: img.GetMimetype(),
			Size:     img.GetFileLength(),
			Source:   img,
		}, true

	case m.GetVideoMessage() != nil:
		vid := m.GetVideoMessage()
		return vid.GetCaption(), &relay.MediaRef{
			Kind:     "video",
			MimeType: vid.GetMimetype(),
			Size:     vid.GetFileLength(),
			Source:   vid,
		}, true

	case m.GetAudioMessage() != nil:
		aud := m.GetAudioMessage()
		kind := "audio"
		if aud.GetPTT() {
			kind = "voice"
		}
		return "", &relay.MediaRef{
			Kind:     kind,
			MimeType: aud.GetMimetype(),
			Size:     aud.GetFileLength(),
			Source:   aud,
		}, true

	case m.GetDocumentMessage() != nil:
		doc := m.GetDocumentMessage()
		return doc.GetCaption(), &relay.MediaRef{
			Kind:     "document",
			MimeType: doc.GetMimetype(),
			FileName: doc.GetFileName(),
			Size:     doc.GetFileLength(),
			Source:   doc,
		}, true

	case m.GetStickerMessage() != nil:
		st := m.GetStickerMessage()
		return "", &relay.MediaRef{
			Kind:     "sticker",
			MimeType: st.GetMimetype(),
			Size:     st.GetFileLength(),
			Source:   st,
		}, true

	case m.GetLocationMessage() != nil:
		loc := m.GetLocationMessage()
		text := fmt.Sprintf("📍 https://maps.google.com/?q=%f,%f", loc.GetDegreesLatitude(), loc.GetDegreesLongitude())
		if name := strings.TrimSpace(loc.GetName()); name != "" {
			text = "📍 " + name + "\n" + strings.TrimPrefix(text, "📍 ")
		}
		return text, nil, true

	case m.GetContactMessage() != nil:
		return "👤 " + m.GetContactMessage().GetDisplayName(), nil, true

	case m.GetPollCreationMessage() != nil:
		return pollText(m.GetPollCreationMessage()), nil, true

	case m.GetPollCreationMessageV3() != nil:
		return pollText(m.GetPollCreationMessageV3()), nil, true

	case m.GetSenderKeyDistributionMessage() != nil:
		// key distribution arrives on its own with no visible content
		return "", nil, false
	}

	return "", nil, true
}

func pollText(p *waE2E.PollCreationMessage) string {
	var b strings.Builder
	b.WriteString("📊 ")
	b.WriteString(p.GetName())
	for _, opt := range p.GetOptions() {
		b.WriteString("\n• ")
		b.WriteString(opt.GetOptionName())
	}
	return b.String()
}

// isAdmin looks the sender up in the group participant list. The result is
// nil when the sender is not listed.
func isAdmin(info *types.GroupInfo, sender types.JID) *bool {
	if info == nil {
		return nil
	}
	sender = sender.ToNonAD()
	for _, p := range info.Participants {
		if p.JID.User == sender.User || (!p.LID.IsEmpty() && p.LID.User == sender.User) {
			admin := p.IsAdmin || p.IsSuperAdmin
			return &admin
		}
	}
	return nil
}
