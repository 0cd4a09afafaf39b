// Command relay forwards one WhatsApp chat into one Discord channel.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var envFile string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "relay",
		Short:         "Relay a WhatsApp chat into a Discord channel",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runRelay,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment")

	root.AddCommand(newRunCommand(), newPairCommand(), newCheckConfigCommand())
	return root
}
