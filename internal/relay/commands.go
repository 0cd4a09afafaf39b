package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Command names exposed on the destination platform.
const (
	CmdConfigure = "configure"
	CmdStatus    = "status"
	CmdReplay    = "replay"
	CmdSource    = "source"
	CmdCommunity = "community"
	CmdHelp      = "help"
)

// Command option names.
const (
	OptChannel = "channel"
	OptSource  = "source"
	OptCount   = "count"
	OptName    = "name"
)

// Invocation is a platform-neutral command call.
type Invocation struct {
	Name    string
	Options map[string]string
	// CanManageChannels is the caller's privilege on the invoking guild.
	CanManageChannels bool
	UserID            string
}

// ReplyField is one labelled line of a reply.
type ReplyField struct {
	Name  string
	Value string
}

// Reply is rendered by the platform adapter, usually as an ephemeral embed.
type Reply struct {
	Title  string
	Body   string
	Fields []ReplyField
	Error  bool
}

func errorReply(format string, args ...any) Reply {
	return Reply{Title: "Error", Body: fmt.Sprintf(format, args...), Error: true}
}

// Execute dispatches one command. Failures come back as error replies;
// nothing here returns an error to the platform handler.
func (r *Relay) Execute(ctx context.Context, inv Invocation) (reply Reply) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Str("command", inv.Name).Interface("panic", rec).Msg("commands: recovered panic")
			reply = errorReply("Internal error while running /%s.", inv.Name)
		}
	}()

	r.log.Info().Str("command", inv.Name).Str("user_id", inv.UserID).Msg("commands: invoked")

	switch inv.Name {
	case CmdConfigure:
		if !inv.CanManageChannels {
			return errorReply("You need the Manage Channels permission to run /%s.", inv.Name)
		}
		return r.cmdConfigure(ctx, inv)
	case CmdSource:
		if !inv.CanManageChannels {
			return errorReply("You need the Manage Channels permission to run /%s.", inv.Name)
		}
		return r.cmdSource(ctx, inv)
	case CmdCommunity:
		if !inv.CanManageChannels {
			return errorReply("You need the Manage Channels permission to run /%s.", inv.Name)
		}
		return r.cmdCommunity(inv)
	case CmdStatus:
		return StatusReply(r.Status(ctx))
	case CmdReplay:
		return r.cmdReplay(ctx, inv)
	case CmdHelp:
		return HelpReply()
	default:
		return errorReply("Unknown command /%s.", inv.Name)
	}
}

func (r *Relay) cmdConfigure(ctx context.Context, inv Invocation) Reply {
	channelID := inv.Options[OptChannel]
	if channelID == "" {
		return errorReply("A destination channel is required.")
	}

	res, err := r.Configure(ctx, channelID, inv.Options[OptSource])
	if errors.Is(err, ErrNoDestination) {
		return errorReply("Channel <#%s> is not reachable by the bot.", channelID)
	}

	reply := Reply{
		Title: "Relay configured",
		Fields: []ReplyField{
			{Name: "Destination", Value: "<#" + res.Settings.DestinationChannelID + ">"},
			{Name: "Source", Value: sourceLine(res.Settings.SourceChat, res.Chat, res.Resolved)},
		},
	}
	if !res.Resolved {
		reply.Body = "The source chat could not be found yet. Messages are skipped until it resolves."
	}
	if err != nil {
		reply.Body = strings.TrimSpace(reply.Body + "\nSettings were applied but could not be saved: " + err.Error())
	}
	return reply
}

func (r *Relay) cmdSource(ctx context.Context, inv Invocation) Reply {
	if strings.TrimSpace(inv.Options[OptSource]) == "" {
		return errorReply("A source chat is required.")
	}
	res, err := r.SetSource(ctx, inv.Options[OptSource])

	reply := Reply{
		Title:  "Source updated",
		Fields: []ReplyField{{Name: "Source", Value: sourceLine(res.Settings.SourceChat, res.Chat, res.Resolved)}},
	}
	if err != nil {
		reply.Body = "Settings were applied but could not be saved: " + err.Error()
	}
	return reply
}

func (r *Relay) cmdCommunity(inv Invocation) Reply {
	if strings.TrimSpace(inv.Options[OptName]) == "" {
		return errorReply("A community name is required.")
	}
	cfg, err := r.SetCommunity(inv.Options[OptName])
	reply := Reply{
		Title:  "Community updated",
		Fields: []ReplyField{{Name: "Community", Value: cfg.CommunityName}},
	}
	if err != nil {
		reply.Body = "Settings were applied but could not be saved: " + err.Error()
	}
	return reply
}

func (r *Relay) cmdReplay(ctx context.Context, inv Invocation) Reply {
	count := 0
	if raw := inv.Options[OptCount]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return errorReply("Count must be a positive number.")
		}
		count = n
	}

	n, err := r.Replay(ctx, count)
	switch {
	case errors.Is(err, ErrNotConfigured):
		return errorReply("The relay is not configured. Use /%s first.", CmdConfigure)
	case errors.Is(err, ErrNoMessages):
		return Reply{Title: "Replay", Body: "No messages to replay."}
	case err != nil:
		return errorReply("Replay failed: %s", err)
	}
	return Reply{Title: "Replay", Body: fmt.Sprintf("Replaying %d %s.", n, plural(n, "message"))}
}

// StatusReply renders a Status report.
func StatusReply(st Status) Reply {
	state := "Unconfigured"
	if st.Configured {
		state = "Configured"
	}

	dest := "not set"
	if st.Destination != "" {
		dest = "<#" + st.Destination + ">"
	}
	community := st.Community
	if community == "" {
		community = "not set"
	}

	fields := []ReplyField{
		{Name: "State", Value: state},
		{Name: "WhatsApp", Value: string(st.Connection)},
		{Name: "Source", Value: sourceLine(st.Source, st.SourceChat, st.Resolved)},
		{Name: "Destination", Value: dest},
		{Name: "Community", Value: community},
		{Name: "Recent messages", Value: fmt.Sprintf("%d/%d", st.RingLen, st.RingCap)},
	}
	if st.AdminOnly {
		fields = append(fields, ReplyField{Name: "Filter", Value: "admins only"})
	}
	if st.Pending > 0 {
		fields = append(fields, ReplyField{Name: "Queued", Value: humanize.Comma(int64(st.Pending))})
	}
	if st.LedgerOK {
		fields = append(fields, ReplyField{
			Name:  "Forwarded",
			Value: fmt.Sprintf("%s delivered, %s failed", humanize.Comma(st.Delivered), humanize.Comma(st.Failed)),
		})
	}
	if !st.LastForward.IsZero() {
		fields = append(fields, ReplyField{Name: "Last forward", Value: humanize.Time(st.LastForward)})
	}
	if len(st.Services) > 0 {
		fields = append(fields, ReplyField{Name: "Services", Value: servicesLine(st.Services)})
	}
	fields = append(fields, ReplyField{Name: "Uptime", Value: FormatUptime(st.Uptime)})

	return Reply{Title: "Relay status", Fields: fields}
}

// HelpReply lists the available commands.
func HelpReply() Reply {
	return Reply{
		Title: "Relay commands",
		Fields: []ReplyField{
			{Name: "/" + CmdConfigure + " channel [source]", Value: "Set the destination channel and optionally the WhatsApp chat."},
			{Name: "/" + CmdSource + " source", Value: "Set the WhatsApp chat by id, exact name or part of the name."},
			{Name: "/" + CmdCommunity + " name", Value: "Set the community label shown in footers."},
			{Name: "/" + CmdStatus, Value: "Show connection and relay state."},
			{Name: "/" + CmdReplay + " [count]", Value: "Re-post the last messages, marked as replays."},
			{Name: "/" + CmdHelp, Value: "Show this list."},
		},
	}
}

func servicesLine(services []ServiceHealth) string {
	parts := make([]string, 0, len(services))
	for _, svc := range services {
		state := "ok"
		if svc.Err != nil {
			state = "down"
		}
		parts = append(parts, svc.Name+": "+state)
	}
	return strings.Join(parts, ", ")
}

func sourceLine(identifier string, chat Chat, resolved bool) string {
	switch {
	case identifier == "":
		return "not set"
	case resolved && chat.Name != "" && chat.Name != identifier:
		return fmt.Sprintf("%s (%s)", identifier, chat.Name)
	case resolved:
		return identifier
	default:
		return identifier + " (unresolved)"
	}
}

// FormatUptime renders d like "3 hours 12 minutes".
func FormatUptime(d time.Duration) string {
	if d < time.Minute {
		return "less than a minute"
	}
	d = d.Truncate(time.Minute)
	days := int64(d / (24 * time.Hour))
	hours := int64(d % (24 * time.Hour) / time.Hour)
	minutes := int64(d % time.Hour / time.Minute)

	var parts []string
	if days > 0 {
		parts = append(parts, humanize.Comma(days)+" "+plural(int(days), "day"))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%d %s", hours, plural(int(hours), "hour")))
	}
	if minutes > 0 && days == 0 {
		parts = append(parts, fmt.Sprintf("%d %s", minutes, plural(int(minutes), "minute")))
	}
	return strings.Join(parts, " ")
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
