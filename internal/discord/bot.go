// Package discord connects the relay to a Discord bot: slash commands in,
// embeds out.
package discord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/blockedby/wa-relay/internal/logger"
	"github.com/blockedby/wa-relay/internal/relay"
)

// errors
var (
	ErrUnsupportedChannel = errors.New("channel type cannot receive messages")
	ErrGatewayDown        = errors.New("discord gateway is not connected")
)

// session is the subset of *discordgo.Session the bot uses.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ApplicationCommandBulkOverwrite(appID, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	InteractionResponseEdit(interaction *discordgo.Interaction, newresp *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Executor runs platform-neutral commands. *relay.Relay implements it.
type Executor interface {
	Execute(ctx context.Context, inv relay.Invocation) relay.Reply
}

// Bot owns the Discord session.
type Bot struct {
	s       session
	guildID string
	log     *logger.Logger

	connected atomic.Bool

	mu   sync.RWMutex
	exec Executor
	ctx  context.Context
}

// New creates a bot for token. Commands are registered in guildID, or
// globally when guildID is empty.
func New(token, guildID string, log *logger.Logger) (*Bot, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds
	// rate limits are surfaced so the delivery queue can pause
	s.ShouldRetryOnRateLimit = false

	discordgo.Logger = func(msgL, _ int, format string, a ...interface{}) {
		lvl := zerolog.DebugLevel
		switch msgL {
		case discordgo.LogError:
			lvl = zerolog.ErrorLevel
		case discordgo.LogWarning:
			lvl = zerolog.WarnLevel
		}
		log.WithLevel(lvl).Msgf("discord: "+format, a...)
	}

	return newBot(s, guildID, log), nil
}

func newBot(s session, guildID string, log *logger.Logger) *Bot {
	b := &Bot{s: s, guildID: guildID, log: log, ctx: context.Background()}
	s.AddHandler(b.onReady)
	s.AddHandler(b.onInteraction)
	s.AddHandler(func(_ *discordgo.Session, _ *discordgo.Connect) { b.connected.Store(true) })
	s.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		b.connected.Store(false)
		b.log.Warn().Msg("discord: gateway disconnected")
	})
	return b
}

// SetExecutor sets the command handler. Call before Start.
func (b *Bot) SetExecutor(exec Executor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exec = exec
}

// Start opens the gateway connection. ctx is used for command handling.
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()

	if err := b.s.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	return nil
}

// Stop closes the gateway connection.
func (b *Bot) Stop() {
	b.connected.Store(false)
	if err := b.s.Close(); err != nil {
		b.log.Warn().Err(err).Msg("discord: close failed")
	}
}

// Ping reports whether the gateway connection is up.
func (b *Bot) Ping(_ context.Context) error {
	if !b.connected.Load() {
		return ErrGatewayDown
	}
	return nil
}

func (b *Bot) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	b.connected.Store(true)
	b.log.Info().Str("user", r.User.String()).Int("guilds", len(r.Guilds)).Msg("discord: ready")

	appID := r.User.ID
	if r.Application != nil && r.Application.ID != "" {
		appID = r.Application.ID
	}
	if err := b.RegisterCommands(appID); err != nil {
		b.log.Error().Err(err).Msg("discord: command registration failed")
	}
}

// RegisterCommands replaces the bot's slash commands.
func (b *Bot) RegisterCommands(appID string) error {
	cmds, err := b.s.ApplicationCommandBulkOverwrite(appID, b.guildID, CommandDefinitions())
	if err != nil {
		return fmt.Errorf("register commands: %w", err)
	}
	b.log.Info().Int("count", len(cmds)).Str("guild_id", b.guildID).Msg("discord: commands registered")
	return nil
}

// Resolve looks the channel up on every call; ids of deleted channels fail here.
func (b *Bot) Resolve(ctx context.Context, channelID string) (relay.Destination, error) {
	ch, err := b.s.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch channel %s: %w", channelID, err)
	}
	if !postable(ch.Type) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChannel, channelID)
	}
	return &channelDestination{s: b.s, channel: ch}, nil
}

func postable(t discordgo.ChannelType) bool {
	switch t {
	case discordgo.ChannelTypeGuildText,
		discordgo.ChannelTypeGuildNews,
		discordgo.ChannelTypeGuildPublicThread,
		discordgo.ChannelTypeGuildPrivateThread,
		discordgo.ChannelTypeGuildNewsThread:
		return true
	}
	return false
}
