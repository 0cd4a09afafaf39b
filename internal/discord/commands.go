package discord

import (
	"context"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.mau.fi/util/ptr"

	"github.com/blockedby/wa-relay/internal/relay"
)

// Embed colors for command replies.
const (
	ColorReply = 0x5865F2
	ColorError = 0xED4245
)

const commandTimeout = 30 * time.Second

// CommandDefinitions returns the slash commands registered by the bot.
func CommandDefinitions() []*discordgo.ApplicationCommand {
	manage := ptr.Ptr(int64(discordgo.PermissionManageChannels))
	noDM := ptr.Ptr(false)

	return []*discordgo.ApplicationCommand{
		{
			Name:                     relay.CmdConfigure,
			Description:              "Set the destination channel and the WhatsApp chat to relay",
			DefaultMemberPermissions: manage,
			DMPermission:             noDM,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionChannel,
					Name:        relay.OptChannel,
					Description: "Channel that receives relayed messages",
					Required:    true,
					ChannelTypes: []discordgo.ChannelType{
						discordgo.ChannelTypeGuildText,
						discordgo.ChannelTypeGuildNews,
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        relay.OptSource,
					Description: "WhatsApp chat id, exact name or part of the name",
				},
			},
		},
		{
			Name:                     relay.CmdSource,
			Description:              "Change the WhatsApp chat to relay",
			DefaultMemberPermissions: manage,
			DMPermission:             noDM,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        relay.OptSource,
					Description: "WhatsApp chat id, exact name or part of the name",
					Required:    true,
				},
			},
		},
		{
			Name:                     relay.CmdCommunity,
			Description:              "Set the community label shown in message footers",
			DefaultMemberPermissions: manage,
			DMPermission:             noDM,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        relay.OptName,
					Description: "Community name",
					Required:    true,
					MaxLength:   100,
				},
			},
		},
		{
			Name:         relay.CmdStatus,
			Description:  "Show the relay status",
			DMPermission: noDM,
		},
		{
			Name:         relay.CmdReplay,
			Description:  "Re-post the most recent relayed messages",
			DMPermission: noDM,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        relay.OptCount,
					Description: "How many messages to replay",
					MinValue:    ptr.Ptr(1.0),
					MaxValue:    float64(relay.DefaultReplayLimit),
				},
			},
		},
		{
			Name:         relay.CmdHelp,
			Description:  "List relay commands",
			DMPermission: noDM,
		},
	}
}

func (b *Bot) onInteraction(_ *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}

	b.mu.RLock()
	ctx := b.ctx
	b.mu.RUnlock()

	b.HandleCommand(ctx, i.Interaction)
}

// HandleCommand acknowledges an application command, runs it and edits the
// ephemeral acknowledgement with the reply.
func (b *Bot) HandleCommand(ctx context.Context, in *discordgo.Interaction) {
	b.mu.RLock()
	exec := b.exec
	b.mu.RUnlock()

	err := b.s.InteractionRespond(in, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	})
	if err != nil {
		b.log.Error().Err(err).Str("interaction_id", in.ID).Msg("discord: acknowledge failed")
		return
	}

	inv := Invocation(in)
	reply := relay.Reply{Title: "Error", Body: "The relay is still starting.", Error: true}
	if exec != nil {
		cctx, cancel := context.WithTimeout(ctx, commandTimeout)
		reply = exec.Execute(cctx, inv)
		cancel()
	}

	embeds := []*discordgo.MessageEmbed{ReplyEmbed(reply)}
	if _, err := b.s.InteractionResponseEdit(in, &discordgo.WebhookEdit{Embeds: &embeds}); err != nil {
		b.log.Error().Err(err).Str("command", inv.Name).Msg("discord: reply failed")
	}
}

// Invocation converts an application command interaction.
func Invocation(in *discordgo.Interaction) relay.Invocation {
	data := in.ApplicationCommandData()
	inv := relay.Invocation{
		Name:    data.Name,
		Options: make(map[string]string, len(data.Options)),
	}

	for _, opt := range data.Options {
		switch opt.Type {
		case discordgo.ApplicationCommandOptionInteger:
			inv.Options[opt.Name] = strconv.FormatInt(opt.IntValue(), 10)
		case discordgo.ApplicationCommandOptionString:
			inv.Options[opt.Name] = opt.StringValue()
		case discordgo.ApplicationCommandOptionChannel:
			// the resolved channel is not needed, the id is in Value
			if id, ok := opt.Value.(string); ok {
				inv.Options[opt.Name] = id
			}
		}
	}

	switch {
	case in.Member != nil:
		perms := in.Member.Permissions
		inv.CanManageChannels = perms&discordgo.PermissionManageChannels != 0 ||
			perms&discordgo.PermissionAdministrator != 0
		if in.Member.User != nil {
			inv.UserID = in.Member.User.ID
		}
	case in.User != nil:
		inv.UserID = in.User.ID
	}
	return inv
}

// ReplyEmbed renders a command reply.
func ReplyEmbed(r relay.Reply) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Title:       relay.Truncate(r.Title, maxTitleLength),
		Description: relay.Truncate(r.Body, relay.MaxDescriptionLength),
		Color:       ColorReply,
	}
	if r.Error {
		e.Color = ColorError
	}
	for _, f := range r.Fields {
		if len(e.Fields) == maxFields {
			break
		}
		value := f.Value
		if value == "" {
			value = "-"
		}
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{
			Name:  relay.Truncate(f.Name, maxFieldNameLength),
			Value: relay.Truncate(value, maxFieldValueLength),
		})
	}
	return e
}
