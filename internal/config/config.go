// Package config loads relay configuration from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ErrMissingDiscordToken is returned by Validate when no bot token is configured.
var ErrMissingDiscordToken = errors.New("DISCORD_TOKEN is required")

// Config holds all process configuration.
type Config struct {
	// discord
	DiscordToken   string `env:"DISCORD_TOKEN"`
	DiscordGuildID string `env:"DISCORD_GUILD_ID"`

	// whatsapp; empty phone means QR pairing
	WhatsAppPhone string `env:"WHATSAPP_PHONE"`

	// storage
	DatabaseURL  string `env:"DATABASE_URL" envDefault:"sqlite://./data/relay.db"`
	SettingsFile string `env:"SETTINGS_FILE" envDefault:"./data/settings.yaml"`

	// relay defaults, overridden by the settings file
	SourceChat         string `env:"RELAY_SOURCE_CHAT"`
	DestinationChannel string `env:"RELAY_DESTINATION_CHANNEL"`
	CommunityName      string `env:"RELAY_COMMUNITY_NAME" envDefault:"WhatsApp"`
	AdminOnly          bool   `env:"RELAY_ADMIN_ONLY" envDefault:"false"`

	// pipeline tuning
	RingCapacity     int           `env:"RING_CAPACITY" envDefault:"10"`
	ReplayLimit      int           `env:"REPLAY_LIMIT" envDefault:"2"`
	MediaTimeout     time.Duration `env:"MEDIA_TIMEOUT" envDefault:"8s"`
	DeliveryInterval time.Duration `env:"DELIVERY_INTERVAL" envDefault:"250ms"`

	// nats fan-out, disabled when empty
	NatsURL     string `env:"NATS_URL"`
	NatsSubject string `env:"NATS_SUBJECT" envDefault:"relay.forwarded"`

	// logging
	LogLevel               string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile                string `env:"LOG_FILE"`
	DebugUnconfiguredDrops bool   `env:"DEBUG_UNCONFIGURED_DROPS" envDefault:"false"`
}

// Load reads .env (if present) and then the process environment.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		// a missing .env is normal in containers
		_ = godotenv.Load(f)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = 10
	}
	if cfg.ReplayLimit <= 0 {
		cfg.ReplayLimit = 2
	}
	cfg.WhatsAppPhone = normalizePhone(cfg.WhatsAppPhone)

	return cfg, nil
}

// Validate checks the fail-fast startup requirements.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DiscordToken) == "" {
		return ErrMissingDiscordToken
	}
	return nil
}

// normalizePhone strips everything but digits: pairing expects "521234567890".
func normalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
