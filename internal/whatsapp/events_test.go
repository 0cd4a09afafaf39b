package whatsapp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/blockedby/wa-relay/internal/relay"
)

var (
	groupJID  = types.NewJID("120363000000000001", types.GroupServer)
	senderJID = types.NewJID("5215555555555", types.DefaultUserServer)
	adminJID  = types.NewJID("5215550000000", types.DefaultUserServer)
)

func messageEvent(content *waE2E.Message) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:    groupJID,
				Sender:  senderJID,
				IsGroup: true,
			},
			ID:        "3EB0ABC",
			PushName:  "Ana",
			Timestamp: time.Unix(1_700_000_000, 0),
		},
		Message: content,
	}
}

func TestNormalize_Text(t *testing.T) {
	msg, ok := Normalize(messageEvent(&waE2E.Message{Conversation: proto.String("hola")}))
	require.True(t, ok)

	assert.Equal(t, "3EB0ABC", msg.ID)
	assert.Equal(t, groupJID.String(), msg.ChatID)
	assert.Equal(t, senderJID.String(), msg.SenderID)
	assert.Equal(t, "Ana", msg.PushName)
	assert.Equal(t, "hola", msg.Body)
	assert.True(t, msg.IsGroup)
	assert.Nil(t, msg.Media)
	assert.Equal(t, relay.DirectionInbound, msg.Direction)
	assert.Equal(t, time.Unix(1_700_000_000, 0), msg.Timestamp)
}

func TestNormalize_SelfAuthored(t *testing.T) {
	evt := messageEvent(&waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("reply")}})
	evt.Info.IsFromMe = true

	msg, ok := Normalize(evt)
	require.True(t, ok)
	assert.Equal(t, relay.DirectionSelfAuthored, msg.Direction)
	assert.Equal(t, "reply", msg.Body)
}

func TestNormalize_Media(t *testing.T) {
	tests := []struct {
		name     string
		content  *waE2E.Message
		kind     string
		body     string
		fileName string
	}{
		{
			name: "image with caption",
			content: &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
				Caption: proto.String("look"), Mimetype: proto.String("image/jpeg"), FileLength: proto.Uint64(1024),
			}},
			kind: "image",
			body: "look",
		},
		{
			name:    "voice note",
			content: &waE2E.Message{AudioMessage: &waE2E.AudioMessage{PTT: proto.Bool(true), Mimetype: proto.String("audio/ogg; codecs=opus")}},
			kind:    "voice",
		},
		{
			name: "document with caption wrapper",
			content: &waE2E.Message{DocumentWithCaptionMessage: &waE2E.FutureProofMessage{Message: &waE2E.Message{
				DocumentMessage: &waE2E.DocumentMessage{FileName: proto.String("menu.pdf"), Caption: proto.String("menu"), Mimetype: proto.String("application/pdf")},
			}}},
			kind:     "document",
			body:     "menu",
			fileName: "menu.pdf",
		},
		{
			name:    "sticker",
			content: &waE2E.Message{StickerMessage: &waE2E.StickerMessage{Mimetype: proto.String("image/webp")}},
			kind:    "sticker",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := Normalize(messageEvent(tt.content))
			require.True(t, ok)
			require.NotNil(t, msg.Media)
			assert.Equal(t, tt.kind, msg.Media.Kind)
			assert.Equal(t, tt.body, msg.Body)
			assert.Equal(t, tt.fileName, msg.Media.FileName)
			assert.NotNil(t, msg.Media.Source)
		})
	}
}

func TestNormalize_StructuredContent(t *testing.T) {
	loc, ok := Normalize(messageEvent(&waE2E.Message{LocationMessage: &waE2E.LocationMessage{
		DegreesLatitude: proto.Float64(19.4326), DegreesLongitude: proto.Float64(-99.1332), Name: proto.String("Zócalo"),
	}}))
	require.True(t, ok)
	assert.Contains(t, loc.Body, "Zócalo")
	assert.Contains(t, loc.Body, "maps.google.com/?q=19.432600,-99.133200")

	poll, ok := Normalize(messageEvent(&waE2E.Message{PollCreationMessageV3: &waE2E.PollCreationMessage{
		Name:    proto.String("Lunch?"),
		Options: []*waE2E.PollCreationMessage_Option{{OptionName: proto.String("Tacos")}, {OptionName: proto.String("Pizza")}},
	}}))
	require.True(t, ok)
	assert.Equal(t, "📊 Lunch?\n• Tacos\n• Pizza", poll.Body)
}

func TestNormalize_SkipsNonContent(t *testing.T) {
	tests := map[string]*events.Message{
		"nil message": {Info: types.MessageInfo{}},
		"reaction": messageEvent(&waE2E.Message{ReactionMessage: &waE2E.ReactionMessage{Text: proto.String("👍")}}),
		"revoke": messageEvent(&waE2E.Message{ProtocolMessage: &waE2E.ProtocolMessage{
			Type: waE2E.ProtocolMessage_REVOKE.Enum(),
		}}),
		"key distribution": messageEvent(&waE2E.Message{SenderKeyDistributionMessage: &waE2E.SenderKeyDistributionMessage{}}),
	}

	status := messageEvent(&waE2E.Message{Conversation: proto.String("story")})
	status.Info.Chat = types.StatusBroadcastJID
	tests["status broadcast"] = status

	edit := messageEvent(&waE2E.Message{Conversation: proto.String("edited")})
	edit.IsEdit = true
	tests["edit"] = edit

	for name, evt := range tests {
		t.Run(name, func(t *testing.T) {
			_, ok := Normalize(evt)
			assert.False(t, ok)
		})
	}
}

func TestNormalize_UnknownContentStillForwards(t *testing.T) {
	msg, ok := Normalize(messageEvent(&waE2E.Message{}))
	require.True(t, ok)
	assert.Empty(t, msg.Body)
	assert.Nil(t, msg.Media)
}

func TestIsAdmin(t *testing.T) {
	info := &types.GroupInfo{
		Participants: []types.GroupParticipant{
			{JID: senderJID},
			{JID: adminJID, IsAdmin: true},
		},
	}

	got := isAdmin(info, senderJID)
	require.NotNil(t, got)
	assert.False(t, *got)

	got = isAdmin(info, types.NewADJID(adminJID.User, 0, 3))
	require.NotNil(t, got)
	assert.True(t, *got)

	assert.Nil(t, isAdmin(info, types.NewJID("999", types.DefaultUserServer)))
	assert.Nil(t, isAdmin(nil, senderJID))
}
