// Package publisher fans delivery outcomes out to NATS.
package publisher

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/blockedby/wa-relay/internal/logger"
	"github.com/blockedby/wa-relay/internal/relay"
)

// NATSClient interface to allow mocking
type NATSClient interface {
	Publish(ctx context.Context, subject string, data any) error
}

// ForwardEvent is published once per delivery attempt.
type ForwardEvent struct {
	ID         uuid.UUID `json:"id"`
	MessageID  string    `json:"message_id"`
	ChatID     string    `json:"chat_id"`
	ChannelID  string    `json:"channel_id"`
	Delivered  bool      `json:"delivered"`
	Historical bool      `json:"historical"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// NATSPublisher publishes ForwardEvents.
type NATSPublisher struct {
	js      NATSClient
	subject string
	timeout time.Duration
	log     *logger.Logger
}

// NewNATSPublisher creates a new publisher
func NewNATSPublisher(client NATSClient, subject string, log *logger.Logger) *NATSPublisher {
	return &NATSPublisher{js: client, subject: subject, timeout: 5 * time.Second, log: log}
}

// PublishForward publishes a forward event.
func (p *NATSPublisher) PublishForward(ctx context.Context, event ForwardEvent) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.js.Publish(ctx, p.subject, event)
}

// Hook adapts the publisher to a relay delivery hook.
func (p *NATSPublisher) Hook() relay.DeliveryHook {
	return func(ctx context.Context, res relay.DeliveryResult) {
		event := ForwardEvent{
			ID:         res.ID,
			MessageID:  res.MessageID,
			ChatID:     res.ChatID,
			ChannelID:  res.ChannelID,
			Delivered:  res.Err == nil,
			Historical: res.Historical,
			At:         res.At,
		}
		if res.Err != nil {
			event.Error = res.Err.Error()
		}
		if err := p.PublishForward(ctx, event); err != nil {
			p.log.Warn().Err(err).Str("message_id", res.MessageID).Msg("publisher: forward event not published")
		}
	}
}
