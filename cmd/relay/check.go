package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/blockedby/wa-relay/internal/settings"
)

func newCheckConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config <files...>",
		Short: "Validate relay settings files",
		RunE:  runCheckConfig,
	}
}

func runCheckConfig(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if len(args) == 0 {
		fmt.Fprintln(out, "No files to check.")
		return nil
	}

	failed := 0
	for _, path := range args {
		if err := checkFile(path); err != nil {
			fmt.Fprintf(out, "❌ %s: %v\n", path, err)
			failed++
			continue
		}
		fmt.Fprintf(out, "✅ %s is valid\n", path)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files invalid", failed, len(args))
	}
	return nil
}

func checkFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = settings.Decode(f)
	return err
}
