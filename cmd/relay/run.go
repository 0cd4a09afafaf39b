package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/blockedby/wa-relay/internal/config"
	"github.com/blockedby/wa-relay/internal/database"
	"github.com/blockedby/wa-relay/internal/discord"
	"github.com/blockedby/wa-relay/internal/logger"
	"github.com/blockedby/wa-relay/internal/nats"
	"github.com/blockedby/wa-relay/internal/publisher"
	"github.com/blockedby/wa-relay/internal/relay"
	"github.com/blockedby/wa-relay/internal/repository"
	"github.com/blockedby/wa-relay/internal/settings"
	"github.com/blockedby/wa-relay/internal/whatsapp"
)

// ledgerRetention bounds how long forward records are kept.
const ledgerRetention = 30 * 24 * time.Hour

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the relay (default)",
		Args:  cobra.NoArgs,
		RunE:  runRelay,
	}
}

func runRelay(_ *cobra.Command, _ []string) error {
	// 1. Load config
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// 2. Initialize logger
	if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		return err
	}
	log := logger.Get()
	log.Info().Msg("starting whatsapp relay")

	// 3. Setup context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Connect to database
	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	// 5. Forward ledger
	forwards := repository.NewForwardsRepository(db.GORM, log.Component("ledger"))
	if err := forwards.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate forward ledger")
	}
	if n, err := forwards.Prune(ctx, time.Now().Add(-ledgerRetention)); err != nil {
		log.Warn().Err(err).Msg("ledger: prune failed")
	} else if n > 0 {
		log.Info().Int64("removed", n).Msg("ledger: pruned old forwards")
	}
	hooks := []relay.DeliveryHook{forwards.Hook()}
	health := []relay.HealthCheck{{Name: "database", Check: db.Ping}}

	// 6. Connect to NATS
	if cfg.NatsURL != "" {
		nc, err := nats.New(ctx, cfg.NatsURL, log.Component("nats"))
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to nats, publishing disabled")
		} else {
			defer nc.Close()
			if err := nc.EnsureStream(ctx, nats.StreamName, []string{cfg.NatsSubject}); err != nil {
				log.Warn().Err(err).Msg("nats: stream setup failed")
			}
			hooks = append(hooks, publisher.NewNATSPublisher(nc, cfg.NatsSubject, log.Component("publisher")).Hook())
			health = append(health, relay.HealthCheck{Name: "nats", Check: nc.Ping})
		}
	}

	// 7. Load bridge settings
	store := settings.NewStore(cfg.SettingsFile)
	bridge, err := store.Load(settings.BridgeConfig{
		DestinationChannelID: cfg.DestinationChannel,
		SourceChat:           cfg.SourceChat,
		CommunityName:        cfg.CommunityName,
		AdminOnly:            cfg.AdminOnly,
	})
	if err != nil {
		log.Warn().Err(err).Str("path", store.Path()).Msg("settings: using defaults")
	}

	// 8. Initialize whatsapp manager
	wa := whatsapp.NewManager(
		whatsapp.Config{Phone: cfg.WhatsAppPhone},
		whatsapp.NewSQLStoreFactory(db.SQL, db.Dialect, log.Component("whatsapp")),
		whatsapp.TerminalDisplay{Out: os.Stdout},
		log.Component("whatsapp"),
	)

	// 9. Initialize discord bot
	bot, err := discord.New(cfg.DiscordToken, cfg.DiscordGuildID, log.Component("discord"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create discord bot")
	}

	// 10. Wire the relay
	relayLog := log.Component("relay")
	sink := relay.NewSink(bot, relayLog,
		relay.WithHooks(hooks...),
		relay.WithDebugDrops(cfg.DebugUnconfiguredDrops),
	)
	queue := relay.NewQueue(sink, cfg.DeliveryInterval, relayLog)
	r := relay.New(relay.Options{
		Settings:     bridge,
		Store:        store,
		Resolver:     relay.NewResolver(wa, relayLog),
		Transformer:  relay.NewTransformer(wa, wa, cfg.MediaTimeout, relayLog),
		Sink:         sink,
		Queue:        queue,
		Destinations: bot,
		Connection:   wa,
		Ledger:       forwards,
		Health:       append([]relay.HealthCheck{{Name: "discord", Check: bot.Ping}}, health...),
		RingCapacity: cfg.RingCapacity,
		ReplayLimit:  cfg.ReplayLimit,
		Log:          relayLog,
	})
	wa.SetMessageHandler(r.HandleInbound)
	wa.OnReconnect(r.OnReconnect)
	bot.SetExecutor(r)
	queue.Start(ctx)

	// 11. Start discord
	if err := bot.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start discord bot")
	}
	defer bot.Stop()

	// 12. Start whatsapp; pairing blocks, so it runs beside the bot
	go func() {
		if err := wa.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("whatsapp: start failed")
		}
	}()
	defer wa.Stop()

	log.Info().
		Str("source", bridge.SourceChat).
		Str("destination", bridge.DestinationChannelID).
		Msg("relay running")

	<-ctx.Done()
	log.Info().Msg("shutting down")
	queue.Wait()
	return nil
}
