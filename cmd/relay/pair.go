package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/blockedby/wa-relay/internal/config"
	"github.com/blockedby/wa-relay/internal/database"
	"github.com/blockedby/wa-relay/internal/logger"
	"github.com/blockedby/wa-relay/internal/whatsapp"
)

func newPairCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pair",
		Short: "Link this relay as a WhatsApp device and exit",
		Long: "Shows a QR code to scan from WhatsApp > Linked devices. When WHATSAPP_PHONE\n" +
			"is set, prints an 8-character pairing code instead.",
		Args: cobra.NoArgs,
		RunE: runPair,
	}
}

func runPair(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		return err
	}
	log := logger.Get()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	wa := whatsapp.NewManager(
		whatsapp.Config{Phone: cfg.WhatsAppPhone},
		whatsapp.NewSQLStoreFactory(db.SQL, db.Dialect, log.Component("whatsapp")),
		whatsapp.TerminalDisplay{Out: os.Stdout},
		log.Component("whatsapp"),
	)
	defer wa.Stop()

	err = wa.Pair(ctx)
	switch {
	case errors.Is(err, whatsapp.ErrAlreadyPaired):
		fmt.Fprintln(cmd.OutOrStdout(), "already paired, nothing to do")
		return nil
	case errors.Is(err, context.Canceled):
		return errors.New("pairing cancelled")
	case err != nil:
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "✅ device linked")
	return nil
}
