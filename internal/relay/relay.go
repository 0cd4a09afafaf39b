package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/blockedby/wa-relay/internal/logger"
)

// DefaultReplayLimit is the maximum number of entries a replay re-emits.
const DefaultReplayLimit = 2

// Options wires a Relay. Resolver, Transformer and Sink are required.
type Options struct {
	Settings     BridgeConfig
	Store        SettingsStore
	Resolver     *Resolver
	Transformer  *Transformer
	Sink         *Sink
	Queue        *Queue // optional; posts go straight to Sink when nil
	Destinations Destinations
	Connection   ConnectionReporter
	Ledger       LedgerStats
	Health       []HealthCheck
	RingCapacity int
	ReplayLimit  int
	Log          *logger.Logger
}

// Relay owns the bridge state and runs the inbound pipeline. All event and
// command handlers share one Relay; there is no package-level state.
type Relay struct {
	mu       sync.RWMutex
	settings BridgeConfig

	store       SettingsStore
	resolver    *Resolver
	transformer *Transformer
	sink        *Sink
	queue       *Queue
	dests       Destinations
	conn        ConnectionReporter
	ledger      LedgerStats
	health      []HealthCheck
	ring        *Ring
	replayLimit int
	started     time.Time
	now         func() time.Time
	log         *logger.Logger
}

// New creates a Relay from opts.
func New(opts Options) *Relay {
	log := opts.Log
	if log == nil {
		log = logger.Nop()
	}
	if opts.RingCapacity <= 0 {
		opts.RingCapacity = 10
	}
	if opts.ReplayLimit <= 0 || opts.ReplayLimit > DefaultReplayLimit {
		opts.ReplayLimit = DefaultReplayLimit
	}

	return &Relay{
		settings:    opts.Settings,
		store:       opts.Store,
		resolver:    opts.Resolver,
		transformer: opts.Transformer,
		sink:        opts.Sink,
		queue:       opts.Queue,
		dests:       opts.Destinations,
		conn:        opts.Connection,
		ledger:      opts.Ledger,
		health:      opts.Health,
		ring:        NewRing(opts.RingCapacity),
		replayLimit: opts.ReplayLimit,
		started:     time.Now(),
		now:         time.Now,
		log:         log,
	}
}

// Settings returns a copy of the current bridge configuration.
func (r *Relay) Settings() BridgeConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings
}

// Ring exposes the recent-message ring.
func (r *Relay) Ring() *Ring {
	return r.ring
}

// HandleInbound runs one normalized source event through the pipeline:
// target filter, optional admin filter, transform, ring append, delivery.
// It never panics and never returns an error to the event source.
func (r *Relay) HandleInbound(ctx context.Context, msg InboundMessage) {
	_ = guard(r.log, "relay.inbound", func() error {
		r.handleInbound(ctx, msg)
		return nil
	})
}

func (r *Relay) handleInbound(ctx context.Context, msg InboundMessage) {
	cfg := r.Settings()

	if !r.resolver.Matches(ctx, cfg.SourceChat, msg) {
		return
	}

	if cfg.AdminOnly && msg.SenderIsAdmin != nil && !*msg.SenderIsAdmin {
		r.log.Debug().Str("chat_id", msg.ChatID).Str("message_id", msg.ID).Msg("relay: skipped non-admin sender")
		return
	}

	rec := r.transformer.Build(ctx, msg)
	r.ring.Push(rec)

	r.log.Info().
		Str("chat_id", msg.ChatID).
		Str("message_id", msg.ID).
		Str("direction", msg.Direction.String()).
		Bool("attachment", rec.Attachment != nil).
		Msg("relay: forwarding message")

	r.deliver(ctx, cfg.DestinationChannelID, Render(rec, cfg.CommunityName, false))
}

func (r *Relay) deliver(ctx context.Context, channelID string, p Payload) {
	if r.queue != nil {
		r.queue.Enqueue(ctx, channelID, p)
		return
	}
	r.sink.Deliver(ctx, channelID, p)
}

// OnReconnect drops cached chat handles so the next event re-resolves.
func (r *Relay) OnReconnect() {
	r.resolver.Invalidate()
	r.log.Debug().Msg("relay: source reconnected, resolver invalidated")
}

// IsConfigured reports whether a destination is set and the source resolves.
func (r *Relay) IsConfigured(ctx context.Context) bool {
	cfg := r.Settings()
	if cfg.DestinationChannelID == "" {
		return false
	}
	_, ok := r.resolver.Resolve(ctx, cfg.SourceChat)
	return ok
}

// ConfigureResult reports the outcome of Configure.
type ConfigureResult struct {
	Settings BridgeConfig
	Chat     Chat
	Resolved bool
}

// Configure binds the destination channel and, when source is non-empty,
// the source identifier. Settings are persisted on every change.
func (r *Relay) Configure(ctx context.Context, channelID, source string) (ConfigureResult, error) {
	channelID = strings.TrimSpace(channelID)
	source = strings.TrimSpace(source)
	if channelID == "" {
		return ConfigureResult{}, ErrNoDestination
	}

	if r.dests != nil {
		if _, err := r.dests.Resolve(ctx, channelID); err != nil {
			return ConfigureResult{}, fmt.Errorf("%w: %v", ErrNoDestination, err)
		}
	}

	cfg, err := r.update(func(c *BridgeConfig) {
		c.DestinationChannelID = channelID
		if source != "" {
			c.SourceChat = source
		}
	})

	res := ConfigureResult{Settings: cfg}
	res.Chat, res.Resolved = r.resolver.Refresh(ctx, cfg.SourceChat)

	r.log.Info().
		Str("channel_id", channelID).
		Str("source", cfg.SourceChat).
		Bool("resolved", res.Resolved).
		Msg("relay: configured")
	return res, err
}

// SetSource changes the source identifier and tries to resolve it.
func (r *Relay) SetSource(ctx context.Context, source string) (ConfigureResult, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return ConfigureResult{}, fmt.Errorf("source identifier is empty")
	}

	cfg, err := r.update(func(c *BridgeConfig) { c.SourceChat = source })

	res := ConfigureResult{Settings: cfg}
	res.Chat, res.Resolved = r.resolver.Refresh(ctx, source)
	r.log.Info().Str("source", source).Bool("resolved", res.Resolved).Msg("relay: source changed")
	return res, err
}

// SetCommunity changes the footer community label.
func (r *Relay) SetCommunity(name string) (BridgeConfig, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return r.Settings(), fmt.Errorf("community name is empty")
	}
	return r.update(func(c *BridgeConfig) { c.CommunityName = name })
}

// update mutates settings under the lock and persists the result. The
// in-memory change stands even when persisting fails.
func (r *Relay) update(fn func(*BridgeConfig)) (BridgeConfig, error) {
	r.mu.Lock()
	fn(&r.settings)
	cfg := r.settings
	r.mu.Unlock()

	if r.store == nil {
		return cfg, nil
	}
	if err := r.store.Save(cfg); err != nil {
		r.log.Error().Err(err).Msg("relay: failed to persist settings")
		return cfg, fmt.Errorf("save settings: %w", err)
	}
	return cfg, nil
}

// Replay re-emits up to count of the most recent ring entries as historical
// posts, oldest first. count <= 0 means the replay limit.
func (r *Relay) Replay(ctx context.Context, count int) (int, error) {
	if !r.IsConfigured(ctx) {
		return 0, ErrNotConfigured
	}
	if count <= 0 || count > r.replayLimit {
		count = r.replayLimit
	}

	entries := r.ring.Snapshot(count)
	if len(entries) == 0 {
		return 0, ErrNoMessages
	}

	cfg := r.Settings()
	for _, rec := range entries {
		r.deliver(ctx, cfg.DestinationChannelID, Render(rec, cfg.CommunityName, true))
	}
	r.log.Info().Int("count", len(entries)).Msg("relay: replay requested")
	return len(entries), nil
}

// Status is a point-in-time report for operators.
type Status struct {
	Connection  ConnectionState
	Configured  bool
	Source      string
	SourceChat  Chat
	Resolved    bool
	Destination string
	Community   string
	AdminOnly   bool
	RingLen     int
	RingCap     int
	Pending     int
	Delivered   int64
	Failed      int64
	LedgerOK    bool
	LastForward time.Time
	Services    []ServiceHealth
	Uptime      time.Duration
}

// ServiceHealth is the outcome of one HealthCheck.
type ServiceHealth struct {
	Name string
	Err  error
}

const healthTimeout = 2 * time.Second

// Status collects the current state. It is available in every state.
func (r *Relay) Status(ctx context.Context) Status {
	cfg := r.Settings()
	st := Status{
		Connection:  StateDisconnected,
		Source:      cfg.SourceChat,
		Destination: cfg.DestinationChannelID,
		Community:   cfg.CommunityName,
		AdminOnly:   cfg.AdminOnly,
		RingLen:     r.ring.Len(),
		RingCap:     r.ring.Cap(),
		Uptime:      r.now().Sub(r.started),
	}
	if r.conn != nil {
		st.Connection = r.conn.GetStatus()
	}
	st.SourceChat, st.Resolved = r.resolver.Resolve(ctx, cfg.SourceChat)
	st.Configured = st.Resolved && cfg.DestinationChannelID != ""
	if r.queue != nil {
		st.Pending = r.queue.Len()
	}
	if r.ledger != nil {
		_ = guard(r.log, "relay.ledger_totals", func() error {
			var err error
			st.Delivered, st.Failed, err = r.ledger.Totals(ctx)
			st.LedgerOK = err == nil
			return err
		})
		_ = guard(r.log, "relay.ledger_last", func() error {
			var err error
			st.LastForward, err = r.ledger.LastForward(ctx)
			return err
		})
	}
	for _, hc := range r.health {
		st.Services = append(st.Services, r.checkHealth(ctx, hc))
	}
	return st
}

func (r *Relay) checkHealth(ctx context.Context, hc HealthCheck) ServiceHealth {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	res := ServiceHealth{Name: hc.Name}
	err := guard(r.log, "relay.health."+hc.Name, func() error {
		return hc.Check(ctx)
	})
	if err != nil {
		res.Err = err
	}
	return res
}
