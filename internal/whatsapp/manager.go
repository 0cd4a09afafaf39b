// Package whatsapp drives the WhatsApp multi-device session: pairing,
// connection state, reconnects and event normalization.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/blockedby/wa-relay/internal/logger"
	"github.com/blockedby/wa-relay/internal/relay"
)

// errors
var (
	ErrNotStarted      = errors.New("whatsapp client not started")
	ErrLoggedOut       = errors.New("whatsapp session is logged out, run the pair command")
	ErrPairingTimeout  = errors.New("pairing timed out")
	ErrAlreadyPaired   = errors.New("device is already paired")
	ErrPairingRejected = errors.New("pairing failed")
)

const inboxSize = 256

// Transport is the subset of the whatsmeow client the manager uses.
type Transport interface {
	IsLoggedIn() bool
	IsConnected() bool
	Connect() error
	Disconnect()
	AddEventHandler(handler whatsmeow.EventHandler) uint32
	GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error)
	PairPhone(ctx context.Context, phone string, showPushNotification bool, clientType whatsmeow.PairClientType, clientDisplayName string) (string, error)
	GetJoinedGroups(ctx context.Context) ([]*types.GroupInfo, error)
	GetGroupInfo(ctx context.Context, jid types.JID) (*types.GroupInfo, error)
	Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error)
	GetContact(ctx context.Context, jid types.JID) (types.ContactInfo, error)
}

// TransportFactory creates the transport on Start.
type TransportFactory func(ctx context.Context) (Transport, error)

// MessageHandler receives normalized inbound messages, one at a time, in arrival order.
type MessageHandler func(ctx context.Context, msg relay.InboundMessage)

// Config configures a Manager.
type Config struct {
	// Phone switches pairing from QR to a pairing code. Digits only.
	Phone string
	// GroupCacheTTL bounds how long group names and admin lists are reused.
	GroupCacheTTL time.Duration
}

// Manager handles WhatsApp client lifecycle and authentication.
type Manager struct {
	cfg     Config
	factory TransportFactory
	display PairingDisplay
	log     *logger.Logger

	transport     Transport
	status        relay.ConnectionState
	everConnected bool
	runCtx        context.Context
	mu            sync.RWMutex

	handler     MessageHandler
	onReconnect []func()
	hooksMu     sync.RWMutex

	groups       *groupCache
	inbox        chan relay.InboundMessage
	reconnecting atomic.Bool
	stopped      atomic.Bool
	newBackOff   func() backoff.BackOff
	workerOnce   sync.Once
}

// NewManager creates a new WhatsApp Manager.
func NewManager(cfg Config, factory TransportFactory, display PairingDisplay, log *logger.Logger) *Manager {
	if cfg.GroupCacheTTL <= 0 {
		cfg.GroupCacheTTL = 10 * time.Minute
	}
	if display == nil {
		display = LogDisplay{Log: log}
	}
	return &Manager{
		cfg:        cfg,
		factory:    factory,
		display:    display,
		log:        log,
		status:     relay.StateDisconnected,
		groups:     newGroupCache(cfg.GroupCacheTTL),
		inbox:      make(chan relay.InboundMessage, inboxSize),
		newBackOff: NewReconnectBackOff,
	}
}

// NewReconnectBackOff returns the reconnect policy: exponential from 2s up
// to 2m with 50% jitter, retrying until the context ends.
func NewReconnectBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 2 * time.Minute
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// SetMessageHandler sets the inbound message callback. Call before Start.
func (m *Manager) SetMessageHandler(h MessageHandler) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.handler = h
}

// OnReconnect registers fn to run whenever the connection comes back after a drop.
func (m *Manager) OnReconnect(fn func()) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.onReconnect = append(m.onReconnect, fn)
}

// GetStatus returns the current connection state.
func (m *Manager) GetStatus() relay.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Manager) setStatus(s relay.ConnectionState) {
	m.mu.Lock()
	prev := m.status
	m.status = s
	m.mu.Unlock()
	if prev != s {
		m.log.Info().Str("from", string(prev)).Str("to", string(s)).Msg("whatsapp: state changed")
	}
}

func (m *Manager) getTransport() Transport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transport
}

// Init creates the transport without connecting. Safe to call more than once.
func (m *Manager) Init(ctx context.Context) (Transport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.transport != nil {
		return m.transport, nil
	}
	if m.factory == nil {
		return nil, ErrNotStarted
	}

	t, err := m.factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("create whatsapp client: %w", err)
	}
	t.AddEventHandler(m.handleEvent)
	m.transport = t
	m.runCtx = ctx
	return t, nil
}

// Start connects, pairing first when no session is stored. Pairing blocks
// until the device is linked or ctx ends. Connection failures after pairing
// are retried in the background and do not fail Start.
func (m *Manager) Start(ctx context.Context) error {
	t, err := m.Init(ctx)
	if err != nil {
		return err
	}

	m.workerOnce.Do(func() { go m.drainInbox(ctx) })

	if !t.IsLoggedIn() {
		m.log.Info().Msg("whatsapp: no stored session, starting pairing")
		return m.pair(ctx, t)
	}

	m.log.Info().Msg("whatsapp: connecting with stored session")
	if err := t.Connect(); err != nil && !errors.Is(err, whatsmeow.ErrAlreadyConnected) {
		m.log.Warn().Err(err).Msg("whatsapp: initial connect failed")
		go m.reconnectLoop(ctx)
	}
	return nil
}

// Pair links a new device and returns once pairing succeeded.
func (m *Manager) Pair(ctx context.Context) error {
	t, err := m.Init(ctx)
	if err != nil {
		return err
	}
	if t.IsLoggedIn() {
		return ErrAlreadyPaired
	}
	return m.pair(ctx, t)
}

func (m *Manager) pair(ctx context.Context, t Transport) error {
	qrChan, err := t.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("get qr channel: %w", err)
	}
	if err := t.Connect(); err != nil {
		return fmt.Errorf("connect for pairing: %w", err)
	}

	codeRequested := false
	for item := range qrChan {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			m.setStatus(relay.StateAwaitingPairing)
			if m.cfg.Phone == "" {
				m.display.ShowQR(item.Code, item.Timeout)
				continue
			}
			if codeRequested {
				continue
			}
			code, err := t.PairPhone(ctx, m.cfg.Phone, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
			if err != nil {
				t.Disconnect()
				m.setStatus(relay.StateDisconnected)
				return fmt.Errorf("request pairing code: %w", err)
			}
			codeRequested = true
			m.display.ShowPairCode(code)
		case whatsmeow.QRChannelSuccess.Event:
			m.log.Info().Msg("whatsapp: pairing succeeded")
			return nil
		case whatsmeow.QRChannelTimeout.Event:
			m.setStatus(relay.StateDisconnected)
			return ErrPairingTimeout
		default:
			m.setStatus(relay.StateDisconnected)
			if item.Error != nil {
				return fmt.Errorf("%w: %s: %w", ErrPairingRejected, item.Event, item.Error)
			}
			return fmt.Errorf("%w: %s", ErrPairingRejected, item.Event)
		}
	}

	m.setStatus(relay.StateDisconnected)
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrPairingRejected
}

// Stop disconnects and stops reconnect attempts.
func (m *Manager) Stop() {
	m.stopped.Store(true)
	if t := m.getTransport(); t != nil {
		t.Disconnect()
	}
	m.setStatus(relay.StateDisconnected)
}

func (m *Manager) handleEvent(evt any) {
	m.mu.RLock()
	ctx := m.runCtx
	m.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}

	switch e := evt.(type) {
	case *events.Message:
		m.onMessage(ctx, e)
	case *events.Connected:
		m.onConnected()
	case *events.Disconnected:
		m.onDropped(ctx, "disconnected")
	case *events.StreamReplaced:
		// another client took over the session, reconnecting would fight it
		m.log.Warn().Msg("whatsapp: stream replaced by another client")
		m.setStatus(relay.StateDisconnected)
	case *events.ConnectFailure:
		m.log.Warn().Str("reason", e.Reason.String()).Msg("whatsapp: connect failure")
		if e.Reason.IsLoggedOut() {
			m.setStatus(relay.StateDisconnected)
			return
		}
		m.onDropped(ctx, "connect failure")
	case *events.LoggedOut:
		m.log.Error().Str("reason", e.Reason.String()).Msg("whatsapp: logged out, run the pair command to link again")
		m.setStatus(relay.StateDisconnected)
	case *events.PairSuccess:
		m.log.Info().Str("jid", e.ID.String()).Str("platform", e.Platform).Msg("whatsapp: device linked")
	case *events.GroupInfo:
		m.groups.invalidate(e.JID)
	case *events.KeepAliveTimeout:
		m.log.Warn().Int("error_count", e.ErrorCount).Msg("whatsapp: keepalive timeout")
	}
}

func (m *Manager) onConnected() {
	m.mu.Lock()
	reconnect := m.everConnected
	m.everConnected = true
	m.mu.Unlock()

	m.setStatus(relay.StateConnected)
	if !reconnect {
		return
	}

	m.groups.reset()
	m.hooksMu.RLock()
	hooks := append([]func(){}, m.onReconnect...)
	m.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
}

func (m *Manager) onDropped(ctx context.Context, reason string) {
	m.setStatus(relay.StateDisconnected)
	if m.stopped.Load() {
		return
	}
	m.log.Warn().Str("reason", reason).Msg("whatsapp: connection lost, reconnecting")
	go m.reconnectLoop(ctx)
}

// reconnectLoop retries Connect with backoff until connected, logged out or ctx ends.
// Only one loop runs at a time.
func (m *Manager) reconnectLoop(ctx context.Context) {
	if !m.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer m.reconnecting.Store(false)

	op := func() error {
		if m.stopped.Load() {
			return backoff.Permanent(context.Canceled)
		}
		t := m.getTransport()
		if t == nil {
			return backoff.Permanent(ErrNotStarted)
		}
		if !t.IsLoggedIn() {
			return backoff.Permanent(ErrLoggedOut)
		}
		if t.IsConnected() {
			return nil
		}
		if err := t.Connect(); err != nil && !errors.Is(err, whatsmeow.ErrAlreadyConnected) {
			return err
		}
		return nil
	}

	notify := func(err error, next time.Duration) {
		m.log.Warn().Err(err).Dur("retry_in", next).Msg("whatsapp: reconnect attempt failed")
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(m.newBackOff(), ctx), notify); err != nil {
		if !errors.Is(err, context.Canceled) {
			m.log.Error().Err(err).Msg("whatsapp: giving up on reconnect")
		}
		return
	}
	m.log.Info().Msg("whatsapp: reconnected")
}

func (m *Manager) onMessage(ctx context.Context, evt *events.Message) {
	msg, ok := Normalize(evt)
	if !ok {
		return
	}
	m.enrich(ctx, evt, &msg)

	select {
	case m.inbox <- msg:
	case <-ctx.Done():
	}
}

// enrich fills the chat name and, in groups, the sender's admin flag.
func (m *Manager) enrich(ctx context.Context, evt *events.Message, msg *relay.InboundMessage) {
	if !evt.Info.IsGroup {
		if !evt.Info.IsFromMe {
			msg.ChatName = evt.Info.PushName
		}
		return
	}

	t := m.getTransport()
	if t == nil {
		return
	}
	info, err := m.groups.get(ctx, t, evt.Info.Chat)
	if err != nil {
		m.log.Debug().Err(err).Str("chat_id", msg.ChatID).Msg("whatsapp: group info unavailable")
		return
	}
	msg.ChatName = info.Name
	msg.SenderIsAdmin = isAdmin(info, evt.Info.Sender)
}

// drainInbox hands messages to the handler one by one so the whatsmeow
// event goroutine is never blocked on delivery.
func (m *Manager) drainInbox(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.inbox:
			m.hooksMu.RLock()
			h := m.handler
			m.hooksMu.RUnlock()
			if h != nil {
				h(ctx, msg)
			}
		}
	}
}

// groupCache keeps group metadata for a short while to avoid a lookup per message.
type groupCache struct {
	ttl     time.Duration
	mu      sync.Mutex
	entries map[types.JID]groupEntry
	now     func() time.Time
}

type groupEntry struct {
	info *types.GroupInfo
	at   time.Time
}

func newGroupCache(ttl time.Duration) *groupCache {
	return &groupCache{ttl: ttl, entries: make(map[types.JID]groupEntry), now: time.Now}
}

func (c *groupCache) get(ctx context.Context, t Transport, jid types.JID) (*types.GroupInfo, error) {
	c.mu.Lock()
	e, ok := c.entries[jid]
	c.mu.Unlock()
	if ok && c.now().Sub(e.at) < c.ttl {
		return e.info, nil
	}

	info, err := t.GetGroupInfo(ctx, jid)
	if err != nil {
		return nil, err
	}
	c.put(info)
	return info, nil
}

func (c *groupCache) put(info *types.GroupInfo) {
	if info == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[info.JID] = groupEntry{info: info, at: c.now()}
}

func (c *groupCache) invalidate(jid types.JID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, jid)
}

func (c *groupCache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[types.JID]groupEntry)
}
