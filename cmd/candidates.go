package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/quote-engine/internal/model"
	"github.com/sells-group/quote-engine/internal/queue"
)

var candidatesCmd = &cobra.Command{
	Use:   "candidates",
	Short: "Manage supplier candidates",
}

var candidatesLoadCmd = &cobra.Command{
	Use:   "load <file.json>",
	Short: "Upsert candidates from a JSON array",
	Long: "Saves each candidate. Candidates whose profile changed are queued " +
		"for re-embedding when an embedding key is configured.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		data, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrapf(err, "read %s", args[0])
		}
		var cands []model.Candidate
		if err := json.Unmarshal(data, &cands); err != nil {
			return eris.Wrapf(err, "parse %s", args[0])
		}

		eng, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close() //nolint:errcheck

		saved := 0
		for i := range cands {
			if err := eng.orch.SaveCandidate(ctx, &cands[i]); err != nil {
				zap.L().Warn("candidate rejected", zap.String("candidate_id", cands[i].ID), zap.Error(err))
				continue
			}
			saved++
		}
		if !eng.durable {
			drainQueues(ctx, eng.queue, queue.Embedding)
		}

		zap.L().Info("candidates loaded", zap.Int("saved", saved), zap.Int("total", len(cands)))
		return nil
	},
}

var candidatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored candidates",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		cands, err := st.ListCandidates(ctx)
		if err != nil {
			return eris.Wrap(err, "candidates list")
		}
		if len(cands) == 0 {
			fmt.Fprintln(os.Stderr, "No candidates found.")
			return nil
		}
		formatCandidates(os.Stdout, cands)
		return nil
	},
}

func init() {
	candidatesCmd.AddCommand(candidatesLoadCmd)
	candidatesCmd.AddCommand(candidatesListCmd)
	rootCmd.AddCommand(candidatesCmd)
}

// formatCandidates writes a tabular list of candidates to w.
func formatCandidates(out io.Writer, cands []model.Candidate) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tCATEGORY\tLIVE\tTRUST\tRESPONSE\tDIMS")
	_, _ = fmt.Fprintln(w, "--\t----\t--------\t----\t-----\t--------\t----")
	for _, c := range cands {
		name := c.Name
		if len(name) > 30 {
			name = name[:27] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%.2f\t%.2f\t%d\n",
			c.ID,
			name,
			c.Category,
			c.Live,
			c.Trust,
			c.ResponseRate,
			len(c.Embedding),
		)
	}
	_ = w.Flush()
}
