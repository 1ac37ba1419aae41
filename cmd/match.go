package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/quote-engine/internal/model"
	"github.com/sells-group/quote-engine/internal/scorer"
)

var matchCmd = &cobra.Command{
	Use:   "match <demand-id>",
	Short: "Score stored candidates against the latest request for a demand",
	Long:  "Ranks candidates without persisting results or creating fulfillment jobs.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("match"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		req, err := st.LatestRequest(ctx, args[0])
		if err != nil {
			return eris.Wrapf(err, "match: demand %s", args[0])
		}
		pool, err := st.ListCandidates(ctx)
		if err != nil {
			return eris.Wrap(err, "match: list candidates")
		}

		var categories *scorer.CategoryTable
		if cfg.Scoring.CategoryTablePath != "" {
			if categories, err = scorer.LoadCategoryTable(cfg.Scoring.CategoryTablePath); err != nil {
				return err
			}
		}
		if n, _ := cmd.Flags().GetInt("top"); n > 0 {
			cfg.Scoring.TopN = n
		}

		results, err := scorer.New(cfg.Scoring, categories).Rank(*req, pool)
		if err != nil {
			return eris.Wrap(err, "match")
		}
		if len(results) == 0 {
			fmt.Fprintln(os.Stderr, "No candidates matched.")
			return nil
		}
		formatMatches(os.Stdout, results)
		return nil
	},
}

func init() {
	matchCmd.Flags().Int("top", 0, "number of candidates to keep (default from config)")
	rootCmd.AddCommand(matchCmd)
}

// formatMatches writes ranked match results to w.
func formatMatches(out io.Writer, results []model.MatchResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RANK\tCANDIDATE\tCOMPOSITE\tSEMANTIC\tRESPONSIVENESS\tTRUST")
	_, _ = fmt.Fprintln(w, "----\t---------\t---------\t--------\t--------------\t-----")
	for _, r := range results {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%.1f\t%.3f\t%.3f\t%.3f\n",
			r.Rank,
			r.CandidateID,
			r.Composite,
			r.Semantic,
			r.Responsiveness,
			r.Trust,
		)
	}
	_ = w.Flush()
}
