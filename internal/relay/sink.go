package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/blockedby/wa-relay/internal/logger"
)

// DeliveryResult describes one delivery attempt. Err is nil on success.
type DeliveryResult struct {
	ID         uuid.UUID
	ChannelID  string
	MessageID  string
	ChatID     string
	Historical bool
	At         time.Time
	Err        error
}

// DeliveryHook observes delivery outcomes (ledger, event fan-out).
type DeliveryHook func(ctx context.Context, res DeliveryResult)

// SinkOption configures a Sink.
type SinkOption func(*Sink)

// WithHooks registers delivery hooks, run in order once per delivery outcome.
func WithHooks(hooks ...DeliveryHook) SinkOption {
	return func(s *Sink) {
		s.hooks = append(s.hooks, hooks...)
	}
}

// WithDebugDrops logs every payload dropped for lack of a destination.
func WithDebugDrops(enabled bool) SinkOption {
	return func(s *Sink) {
		s.debugDrops = enabled
	}
}

// Sink posts payloads to the destination channel. It never returns errors
// to its caller and never panics past its boundary.
type Sink struct {
	dests      Destinations
	hooks      []DeliveryHook
	debugDrops bool
	log        *logger.Logger
}

// NewSink creates a sink resolving channels through dests.
func NewSink(dests Destinations, log *logger.Logger, opts ...SinkOption) *Sink {
	s := &Sink{dests: dests, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Deliver posts p to channelID. An empty channelID is a silent no-op.
func (s *Sink) Deliver(ctx context.Context, channelID string, p Payload) {
	_ = s.deliver(ctx, channelID, p, true)
}

// deliver is Deliver returning the post error so the queue can honour retry-after hints.
// A rate-limited attempt that the caller will retry (final false) is not
// reported to the hooks, so one message yields one ledger outcome.
func (s *Sink) deliver(ctx context.Context, channelID string, p Payload, final bool) error {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" || s.dests == nil {
		s.dropped(p, "no destination configured")
		return nil
	}

	var dest Destination
	err := guard(s.log, "sink.resolve", func() error {
		var err error
		dest, err = s.dests.Resolve(ctx, channelID)
		if err == nil && dest == nil {
			err = ErrNoDestination
		}
		return err
	})
	if err != nil {
		// stale or deleted channel counts as unconfigured
		s.dropped(p, "destination unavailable")
		return nil
	}

	err = guard(s.log, "sink.post", func() error {
		return dest.Post(ctx, p)
	})
	if err != nil {
		err = fmt.Errorf("post to %s: %w", channelID, err)
	} else {
		s.log.Debug().Str("channel_id", channelID).Str("message_id", p.MessageID).Bool("historical", p.Historical).Msg("sink: delivered")
	}

	if _, limited := retryAfter(err); limited && !final {
		return err
	}

	s.notify(ctx, DeliveryResult{
		ID:         uuid.New(),
		ChannelID:  channelID,
		MessageID:  p.MessageID,
		ChatID:     p.ChatID,
		Historical: p.Historical,
		At:         time.Now(),
		Err:        err,
	})
	return err
}

func (s *Sink) dropped(p Payload, reason string) {
	if !s.debugDrops {
		return
	}
	s.log.Debug().Str("message_id", p.MessageID).Str("reason", reason).Msg("sink: payload dropped")
}

func (s *Sink) notify(ctx context.Context, res DeliveryResult) {
	for i, hook := range s.hooks {
		_ = guard(s.log, fmt.Sprintf("sink.hook[%d]", i), func() error {
			hook(ctx, res)
			return nil
		})
	}
}

// retryAfter extracts a server-requested pause from err.
func retryAfter(err error) (time.Duration, bool) {
	var ra *RetryAfterError
	if errors.As(err, &ra) && ra.After > 0 {
		return ra.After, true
	}
	return 0, false
}
