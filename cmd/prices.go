package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/quote-engine/pkg/notion"
)

var pricesCmd = &cobra.Command{
	Use:   "prices",
	Short: "Manage the structured price table",
}

var pricesCSVPath string

var pricesImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Seed the Notion price table from a CSV export",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if cfg.Notion.Token == "" {
			return eris.New("notion token is required (QUOTE_NOTION_TOKEN)")
		}
		if cfg.Notion.PriceTableDB == "" {
			return eris.New("notion price table DB ID is required (QUOTE_NOTION_PRICE_TABLE_DB)")
		}

		client := notion.NewClient(cfg.Notion.Token, notion.WithRateLimit(cfg.Notion.RateLimit))

		created, err := notion.ImportPriceCSV(ctx, client, cfg.Notion.PriceTableDB, pricesCSVPath)
		if err != nil {
			return eris.Wrap(err, "import prices")
		}

		zap.L().Info("price import complete",
			zap.Int("created", created),
			zap.String("csv", pricesCSVPath),
		)
		return nil
	},
}

func init() {
	pricesImportCmd.Flags().StringVar(&pricesCSVPath, "csv", "", "path to CSV file (required)")
	_ = pricesImportCmd.MarkFlagRequired("csv")
	pricesCmd.AddCommand(pricesImportCmd)
	rootCmd.AddCommand(pricesCmd)
}
