// Package relay implements the WhatsApp to Discord forwarding pipeline: target
// resolution, message transformation, rate-limited delivery and the bounded
// recent-message ring used for replays.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blockedby/wa-relay/internal/settings"
)

// BridgeConfig is the persisted relay binding.
type BridgeConfig = settings.BridgeConfig

// Sentinel errors surfaced to operators through the command surface.
var (
	ErrNotConfigured = errors.New("relay is not configured")
	ErrNoMessages    = errors.New("no messages to replay")
	ErrNoDestination = errors.New("destination channel not found")
)

// ConnectionState is the source transport lifecycle state.
type ConnectionState string

// Connection states of the WhatsApp transport.
const (
	StateDisconnected    ConnectionState = "DISCONNECTED"
	StateAwaitingPairing ConnectionState = "AWAITING_PAIRING"
	StateConnected       ConnectionState = "CONNECTED"
)

// Direction tells whether a message was written by someone else or by the linked account.
type Direction int

// Message directions.
const (
	DirectionInbound Direction = iota
	DirectionSelfAuthored
)

func (d Direction) String() string {
	if d == DirectionSelfAuthored {
		return "self"
	}
	return "inbound"
}

// Chat is a source chat handle as listed by the transport.
type Chat struct {
	ID      string // stable chat id (JID)
	Name    string // display name, may contain emoji
	IsGroup bool
}

// MediaRef points at downloadable media attached to an inbound message.
// Source is opaque to the relay and handed back to the MediaDownloader.
type MediaRef struct {
	Kind     string // image, video, audio, document, sticker
	MimeType string
	FileName string
	Size     uint64
	Source   any
}

// InboundMessage is the single normalized event produced by the source transport.
type InboundMessage struct {
	ID        string
	ChatID    string
	ChatName  string
	IsGroup   bool
	SenderID  string
	PushName  string
	Direction Direction
	Body      string
	Media     *MediaRef
	Timestamp time.Time
	// SenderIsAdmin is nil when the transport could not tell.
	SenderIsAdmin *bool
}

// Attachment is downloaded media ready to upload.
type Attachment struct {
	Data     []byte
	MimeType string
	FileName string
}

// IsImage reports whether the attachment can be rendered inline.
func (a *Attachment) IsImage() bool {
	return a != nil && len(a.MimeType) > 6 && a.MimeType[:6] == "image/"
}

// RecentMessage is the transformed form of an inbound message kept for replays.
type RecentMessage struct {
	ID            string
	ChatID        string
	ChatName      string
	Sender        string
	Body          string
	HasAttachment bool
	Attachment    *Attachment
	Timestamp     time.Time
}

// Payload is a rendered destination post.
type Payload struct {
	MessageID   string // source message id, for the ledger
	ChatID      string
	Title       string
	AuthorName  string
	Description string
	Footer      string
	Color       int
	Timestamp   time.Time
	Attachment  *Attachment
	ImageInline bool
	Historical  bool
}

// RetryAfterError is returned by a Destination that was rate limited.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s: %v", e.After, e.Err)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

// ChatDirectory lists the chats visible to the source account.
type ChatDirectory interface {
	JoinedChats(ctx context.Context) ([]Chat, error)
}

// ChatFinder is implemented by directories that can resolve a chat id they
// do not list, such as a direct chat. The Resolver uses it after the listed
// chats fail to match.
type ChatFinder interface {
	FindChat(ctx context.Context, id string) (Chat, bool)
}

// ProfileFetcher looks up a sender display name.
type ProfileFetcher interface {
	DisplayName(ctx context.Context, senderID string) (string, error)
}

// MediaDownloader fetches the bytes behind a MediaRef.
type MediaDownloader interface {
	Download(ctx context.Context, ref *MediaRef) ([]byte, error)
}

// Destination is a resolved destination channel handle.
type Destination interface {
	Post(ctx context.Context, p Payload) error
}

// Destinations resolves a configured channel id to a live handle.
type Destinations interface {
	Resolve(ctx context.Context, channelID string) (Destination, error)
}

// ConnectionReporter exposes the source transport state for status reports.
type ConnectionReporter interface {
	GetStatus() ConnectionState
}

// SettingsStore persists BridgeConfig changes made through commands.
type SettingsStore interface {
	Save(cfg BridgeConfig) error
}

// LedgerStats reports forward totals for status.
type LedgerStats interface {
	Totals(ctx context.Context) (delivered, failed int64, err error)
	// LastForward returns the time of the newest ledger row, zero when empty.
	LastForward(ctx context.Context) (time.Time, error)
}

// HealthCheck probes one dependency for the status report.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}
