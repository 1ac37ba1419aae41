package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/quote-engine/internal/config"
)

var (
	cfg      *config.Config
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "quote-engine",
	Short: "Supplier matching and quote fulfillment engine",
	Long: `quote-engine scores supplier candidates against sourcing requests and
obtains a priced quote for each match, first from the configured data
sources, then from the supplier's agent, and finally by manual handling.

  serve       run the HTTP API, agent hub, queue workers and timeout monitor
  submit      submit a request and work it through the in-process queues
  match       show the latest ranked candidates for a demand
  candidates  load or list supplier candidates
  jobs        list, inspect and count fulfillment jobs
  agents      show supplier agents from the last registry snapshot
  prices      seed the Notion price table from a CSV export
  migrate     create or update the database schema

Configuration is read from ./config.yaml and QUOTE_* environment variables.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if logLevel != "" {
			c.Log.Level = logLevel
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
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
