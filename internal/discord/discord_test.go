package discord

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/wa-relay/internal/logger"
	"github.com/blockedby/wa-relay/internal/relay"
)

type fakeSession struct {
	mu sync.Mutex

	handlers  int
	opened    bool
	channels  map[string]*discordgo.Channel
	sent      []*discordgo.MessageSend
	sendErr   error
	overwrite []*discordgo.ApplicationCommand
	overApp   string
	overGuild string
	responses []*discordgo.InteractionResponse
	edits     []*discordgo.WebhookEdit
}

func (f *fakeSession) Open() error  { f.opened = true; return nil }
func (f *fakeSession) Close() error { f.opened = false; return nil }

func (f *fakeSession) AddHandler(interface{}) func() {
	f.handlers++
	return func() {}
}

func (f *fakeSession) ApplicationCommandBulkOverwrite(appID, guildID string, cmds []*discordgo.ApplicationCommand, _ ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error) {
	f.overApp, f.overGuild, f.overwrite = appID, guildID, cmds
	return cmds, nil
}

func (f *fakeSession) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, resp)
	return nil
}

func (f *fakeSession) InteractionResponseEdit(_ *discordgo.Interaction, edit *discordgo.WebhookEdit, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, edit)
	return &discordgo.Message{}, nil
}

func (f *fakeSession) Channel(id string, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	ch, ok := f.channels[id]
	if !ok {
		return nil, &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusNotFound}}
	}
	return ch, nil
}

func (f *fakeSession) ChannelMessageSendComplex(_ string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, data)
	return &discordgo.Message{ID: "m1"}, nil
}

type recordingExecutor struct {
	got   relay.Invocation
	reply relay.Reply
}

func (e *recordingExecutor) Execute(_ context.Context, inv relay.Invocation) relay.Reply {
	e.got = inv
	return e.reply
}

func newTestBot(s *fakeSession) *Bot {
	return newBot(s, "guild-1", logger.Nop())
}

func TestNewBotRegistersHandlers(t *testing.T) {
	s := &fakeSession{}
	b := newTestBot(s)
	assert.Equal(t, 4, s.handlers)

	require.NoError(t, b.Start(context.Background()))
	assert.True(t, s.opened)
	b.Stop()
	assert.False(t, s.opened)
}

func TestRegisterCommands(t *testing.T) {
	s := &fakeSession{}
	b := newTestBot(s)

	b.onReady(nil, &discordgo.Ready{User: &discordgo.User{ID: "app-1", Username: "relay"}})

	assert.Equal(t, "app-1", s.overApp)
	assert.Equal(t, "guild-1", s.overGuild)
	assert.Len(t, s.overwrite, 6)
}

func TestPingFollowsGateway(t *testing.T) {
	s := &fakeSession{}
	b := newTestBot(s)
	ctx := context.Background()

	assert.ErrorIs(t, b.Ping(ctx), ErrGatewayDown)

	b.onReady(nil, &discordgo.Ready{User: &discordgo.User{ID: "app-1"}})
	assert.NoError(t, b.Ping(ctx))

	b.Stop()
	assert.ErrorIs(t, b.Ping(ctx), ErrGatewayDown)
}

func TestCommandDefinitions(t *testing.T) {
	defs := CommandDefinitions()

	byName := make(map[string]*discordgo.ApplicationCommand)
	for _, d := range defs {
		byName[d.Name] = d
	}

	for _, name := range []string{relay.CmdConfigure, relay.CmdSource, relay.CmdCommunity} {
		require.Contains(t, byName, name)
		require.NotNil(t, byName[name].DefaultMemberPermissions, name)
		assert.Equal(t, int64(discordgo.PermissionManageChannels), *byName[name].DefaultMemberPermissions)
	}
	for _, name := range []string{relay.CmdStatus, relay.CmdReplay, relay.CmdHelp} {
		require.Contains(t, byName, name)
		assert.Nil(t, byName[name].DefaultMemberPermissions, name)
	}

	configure := byName[relay.CmdConfigure]
	require.Len(t, configure.Options, 2)
	assert.Equal(t, discordgo.ApplicationCommandOptionChannel, configure.Options[0].Type)
	assert.True(t, configure.Options[0].Required)
	assert.False(t, configure.Options[1].Required)

	replay := byName[relay.CmdReplay]
	require.Len(t, replay.Options, 1)
	assert.Equal(t, float64(relay.DefaultReplayLimit), replay.Options[0].MaxValue)
}

func commandInteraction(name string, perms int64, opts ...*discordgo.ApplicationCommandInteractionDataOption) *discordgo.Interaction {
	return &discordgo.Interaction{
		ID:   "i1",
		Type: discordgo.InteractionApplicationCommand,
		Data: discordgo.ApplicationCommandInteractionData{Name: name, Options: opts},
		Member: &discordgo.Member{
			User:        &discordgo.User{ID: "user-1"},
			Permissions: perms,
		},
	}
}

func TestInvocation(t *testing.T) {
	in := commandInteraction(relay.CmdConfigure, discordgo.PermissionManageChannels,
		&discordgo.ApplicationCommandInteractionDataOption{Name: relay.OptChannel, Type: discordgo.ApplicationCommandOptionChannel, Value: "123"},
		&discordgo.ApplicationCommandInteractionDataOption{Name: relay.OptSource, Type: discordgo.ApplicationCommandOptionString, Value: "Family"},
	)

	inv := Invocation(in)
	assert.Equal(t, relay.CmdConfigure, inv.Name)
	assert.Equal(t, "123", inv.Options[relay.OptChannel])
	assert.Equal(t, "Family", inv.Options[relay.OptSource])
	assert.True(t, inv.CanManageChannels)
	assert.Equal(t, "user-1", inv.UserID)
}

func TestInvocationPermissions(t *testing.T) {
	t.Run("administrator", func(t *testing.T) {
		inv := Invocation(commandInteraction(relay.CmdSource, discordgo.PermissionAdministrator))
		assert.True(t, inv.CanManageChannels)
	})
	t.Run("member", func(t *testing.T) {
		inv := Invocation(commandInteraction(relay.CmdSource, discordgo.PermissionSendMessages))
		assert.False(t, inv.CanManageChannels)
	})
	t.Run("direct message", func(t *testing.T) {
		in := commandInteraction(relay.CmdStatus, 0)
		in.Member = nil
		in.User = &discordgo.User{ID: "dm-user"}
		inv := Invocation(in)
		assert.False(t, inv.CanManageChannels)
		assert.Equal(t, "dm-user", inv.UserID)
	})
}

func TestInvocationInteger(t *testing.T) {
	in := commandInteraction(relay.CmdReplay, 0,
		&discordgo.ApplicationCommandInteractionDataOption{Name: relay.OptCount, Type: discordgo.ApplicationCommandOptionInteger, Value: float64(2)},
	)
	assert.Equal(t, "2", Invocation(in).Options[relay.OptCount])
}

func TestHandleCommand(t *testing.T) {
	s := &fakeSession{}
	b := newTestBot(s)
	exec := &recordingExecutor{reply: relay.Reply{Title: "Relay status", Fields: []relay.ReplyField{{Name: "State", Value: "Configured"}}}}
	b.SetExecutor(exec)

	b.HandleCommand(context.Background(), commandInteraction(relay.CmdStatus, 0))

	require.Len(t, s.responses, 1)
	assert.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, s.responses[0].Type)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, s.responses[0].Data.Flags)

	assert.Equal(t, relay.CmdStatus, exec.got.Name)

	require.Len(t, s.edits, 1)
	require.NotNil(t, s.edits[0].Embeds)
	embeds := *s.edits[0].Embeds
	require.Len(t, embeds, 1)
	assert.Equal(t, "Relay status", embeds[0].Title)
	assert.Equal(t, ColorReply, embeds[0].Color)
	require.Len(t, embeds[0].Fields, 1)
	assert.Equal(t, "Configured", embeds[0].Fields[0].Value)
}

func TestHandleCommandWithoutExecutor(t *testing.T) {
	s := &fakeSession{}
	b := newTestBot(s)

	b.HandleCommand(context.Background(), commandInteraction(relay.CmdHelp, 0))

	require.Len(t, s.edits, 1)
	embeds := *s.edits[0].Embeds
	assert.Equal(t, ColorError, embeds[0].Color)
}

func TestReplyEmbed(t *testing.T) {
	e := ReplyEmbed(relay.Reply{Title: "Error", Body: "nope", Error: true, Fields: []relay.ReplyField{{Name: "Empty"}}})
	assert.Equal(t, ColorError, e.Color)
	assert.Equal(t, "nope", e.Description)
	assert.Equal(t, "-", e.Fields[0].Value)
}

func TestResolve(t *testing.T) {
	s := &fakeSession{channels: map[string]*discordgo.Channel{
		"text":  {ID: "text", Type: discordgo.ChannelTypeGuildText},
		"voice": {ID: "voice", Type: discordgo.ChannelTypeGuildVoice},
	}}
	b := newTestBot(s)
	ctx := context.Background()

	dest, err := b.Resolve(ctx, "text")
	require.NoError(t, err)
	require.NotNil(t, dest)

	_, err = b.Resolve(ctx, "voice")
	assert.ErrorIs(t, err, ErrUnsupportedChannel)

	_, err = b.Resolve(ctx, "missing")
	assert.Error(t, err)
}

func TestPost(t *testing.T) {
	s := &fakeSession{channels: map[string]*discordgo.Channel{"c": {ID: "c", Type: discordgo.ChannelTypeGuildText}}}
	b := newTestBot(s)

	dest, err := b.Resolve(context.Background(), "c")
	require.NoError(t, err)

	require.NoError(t, dest.Post(context.Background(), relay.Payload{Title: "Family", Description: "hi"}))
	require.Len(t, s.sent, 1)
	assert.Equal(t, "hi", s.sent[0].Embeds[0].Description)
}

func TestPostRateLimited(t *testing.T) {
	s := &fakeSession{
		channels: map[string]*discordgo.Channel{"c": {ID: "c", Type: discordgo.ChannelTypeGuildText}},
		sendErr: &discordgo.RateLimitError{RateLimit: &discordgo.RateLimit{
			TooManyRequests: &discordgo.TooManyRequests{RetryAfter: 3 * time.Second},
		}},
	}
	b := newTestBot(s)
	dest, err := b.Resolve(context.Background(), "c")
	require.NoError(t, err)

	err = dest.Post(context.Background(), relay.Payload{Description: "hi"})
	var ra *relay.RetryAfterError
	require.True(t, errors.As(err, &ra))
	assert.Equal(t, 3*time.Second, ra.After)
}

func TestPostError(t *testing.T) {
	boom := errors.New("boom")
	s := &fakeSession{
		channels: map[string]*discordgo.Channel{"c": {ID: "c", Type: discordgo.ChannelTypeGuildText}},
		sendErr:  boom,
	}
	b := newTestBot(s)
	dest, err := b.Resolve(context.Background(), "c")
	require.NoError(t, err)

	err = dest.Post(context.Background(), relay.Payload{Description: "hi"})
	assert.ErrorIs(t, err, boom)
	var ra *relay.RetryAfterError
	assert.False(t, errors.As(err, &ra))
}

func TestBuildMessage(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := relay.Payload{
		Title:       "Family",
		AuthorName:  "Alice",
		Description: "hello",
		Footer:      "Home → Family",
		Color:       relay.ColorLive,
		Timestamp:   ts,
	}

	msg := BuildMessage(p)
	require.Len(t, msg.Embeds, 1)
	e := msg.Embeds[0]
	assert.Equal(t, "Family", e.Title)
	assert.Equal(t, "📱 Alice", e.Author.Name)
	assert.Equal(t, "hello", e.Description)
	assert.Equal(t, "Home → Family", e.Footer.Text)
	assert.Equal(t, relay.ColorLive, e.Color)
	assert.Equal(t, "2026-03-01T12:00:00Z", e.Timestamp)
	assert.Empty(t, msg.Files)
	require.NotNil(t, msg.AllowedMentions)
	assert.Empty(t, msg.AllowedMentions.Parse)
}

func TestBuildMessageAttachments(t *testing.T) {
	t.Run("inline image", func(t *testing.T) {
		msg := BuildMessage(relay.Payload{
			Description: "[Media attachment]",
			Attachment:  &relay.Attachment{Data: []byte("png"), MimeType: "image/png", FileName: "image.png"},
			ImageInline: true,
		})
		require.Len(t, msg.Files, 1)
		assert.Equal(t, "image.png", msg.Files[0].Name)
		data, err := io.ReadAll(msg.Files[0].Reader)
		require.NoError(t, err)
		assert.Equal(t, "png", string(data))
		require.NotNil(t, msg.Embeds[0].Image)
		assert.Equal(t, "attachment://image.png", msg.Embeds[0].Image.URL)
	})

	t.Run("document", func(t *testing.T) {
		msg := BuildMessage(relay.Payload{
			Attachment: &relay.Attachment{Data: []byte("%PDF"), MimeType: "application/pdf", FileName: "doc.pdf"},
		})
		require.Len(t, msg.Files, 1)
		assert.Nil(t, msg.Embeds[0].Image)
	})

	t.Run("too large", func(t *testing.T) {
		msg := BuildMessage(relay.Payload{
			Attachment: &relay.Attachment{Data: make([]byte, MaxUploadSize+1), MimeType: "video/mp4", FileName: "clip.mp4"},
		})
		assert.Empty(t, msg.Files)
		require.Len(t, msg.Embeds[0].Fields, 1)
		assert.Contains(t, msg.Embeds[0].Fields[0].Value, "clip.mp4")
	})
}
