package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/blockedby/wa-relay/internal/logger"
	"github.com/blockedby/wa-relay/internal/relay"
)

// ErrUnsupportedMedia is returned for media references not produced by Normalize.
var ErrUnsupportedMedia = errors.New("unsupported media reference")

// waClient adds contact lookup to the whatsmeow client so it satisfies Transport.
type waClient struct {
	*whatsmeow.Client
}

var _ Transport = waClient{}

func (c waClient) GetContact(ctx context.Context, jid types.JID) (types.ContactInfo, error) {
	return c.Store.Contacts.GetContact(ctx, jid)
}

// NewSQLStoreFactory returns a factory backed by the relay database. The
// session tables live next to the relay's own tables.
func NewSQLStoreFactory(db *sql.DB, dialect string, log *logger.Logger) TransportFactory {
	return func(ctx context.Context) (Transport, error) {
		store.DeviceProps.Os = proto.String("wa-relay")

		container := sqlstore.NewWithDB(db, dialect, waLog.Zerolog(log.With().Str("module", "whatsmeow-store").Logger()))
		if err := container.Upgrade(ctx); err != nil {
			return nil, fmt.Errorf("upgrade session store: %w", err)
		}

		device, err := container.GetFirstDevice(ctx)
		if err != nil {
			return nil, fmt.Errorf("load device: %w", err)
		}

		client := whatsmeow.NewClient(device, waLog.Zerolog(log.With().Str("module", "whatsmeow").Logger()))
		// reconnects are driven by Manager.reconnectLoop
		client.EnableAutoReconnect = false
		return waClient{Client: client}, nil
	}
}

// JoinedChats lists the groups the account belongs to, sorted by name.
func (m *Manager) JoinedChats(ctx context.Context) ([]relay.Chat, error) {
	t := m.getTransport()
	if t == nil || !t.IsConnected() {
		return nil, ErrNotStarted
	}

	groups, err := t.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("get joined groups: %w", err)
	}

	chats := make([]relay.Chat, 0, len(groups))
	for _, g := range groups {
		if g == nil {
			continue
		}
		m.groups.put(g)
		chats = append(chats, relay.Chat{ID: g.JID.String(), Name: g.Name, IsGroup: true})
	}
	sort.SliceStable(chats, func(i, j int) bool {
		return strings.ToLower(chats[i].Name) < strings.ToLower(chats[j].Name)
	})
	return chats, nil
}

// FindChat resolves a direct-chat id, which JoinedChats never lists. Only
// user JIDs (phone or LID) are accepted; group ids must come from the directory.
func (m *Manager) FindChat(ctx context.Context, id string) (relay.Chat, bool) {
	jid, err := types.ParseJID(strings.TrimSpace(id))
	if err != nil || jid.User == "" {
		return relay.Chat{}, false
	}
	if jid.Server != types.DefaultUserServer && jid.Server != types.HiddenUserServer {
		return relay.Chat{}, false
	}
	jid = jid.ToNonAD()

	chat := relay.Chat{ID: jid.String(), Name: jid.User}
	if name, err := m.DisplayName(ctx, chat.ID); err == nil && name != "" {
		chat.Name = name
	}
	return chat, true
}

// DisplayName returns the saved contact name of senderID, or "" if unknown.
func (m *Manager) DisplayName(ctx context.Context, senderID string) (string, error) {
	t := m.getTransport()
	if t == nil {
		return "", ErrNotStarted
	}

	jid, err := types.ParseJID(senderID)
	if err != nil {
		return "", fmt.Errorf("parse sender %q: %w", senderID, err)
	}

	contact, err := t.GetContact(ctx, jid.ToNonAD())
	if err != nil {
		return "", fmt.Errorf("get contact: %w", err)
	}
	if !contact.Found {
		return "", nil
	}

	for _, name := range []string{contact.FullName, contact.FirstName, contact.BusinessName} {
		if name = strings.TrimSpace(name); name != "" {
			return name, nil
		}
	}
	return "", nil
}

// Download fetches and decrypts the media behind ref.
func (m *Manager) Download(ctx context.Context, ref *relay.MediaRef) ([]byte, error) {
	t := m.getTransport()
	if t == nil {
		return nil, ErrNotStarted
	}
	if ref == nil {
		return nil, ErrUnsupportedMedia
	}

	msg, ok := ref.Source.(whatsmeow.DownloadableMessage)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedMedia, ref.Source)
	}

	data, err := t.Download(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", ref.Kind, err)
	}
	return data, nil
}
