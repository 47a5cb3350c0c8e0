package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gridref-data/streetbuild/internal/config"
	"github.com/gridref-data/streetbuild/internal/errclass"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "streetbuild",
	Short: "Deterministic postcode-to-street dataset builder",
	Long:  "Ingests pinned open-data releases (ONSPD, OS Open, OSNI, DFI, Price Paid), builds a ranked postcode-to-street dataset through checkpointed passes, and publishes verified versions atomically.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(errclass.ExitCode(err))
	}
}
