package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/quote-engine/internal/model"
	"github.com/sells-group/quote-engine/internal/queue"
	"github.com/sells-group/quote-engine/internal/store"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a sourcing request and match it against stored candidates",
	Long: "Stores a request and queues matching. With the in-process queue the " +
		"command drains matching and fulfillment before printing the resulting jobs.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("match"); err != nil {
			return err
		}

		demand, _ := cmd.Flags().GetString("demand")
		requester, _ := cmd.Flags().GetString("requester")
		category, _ := cmd.Flags().GetString("category")
		rawEmbedding, _ := cmd.Flags().GetString("embedding")
		quantity, _ := cmd.Flags().GetInt("quantity")

		vec, err := parseEmbedding(rawEmbedding)
		if err != nil {
			return err
		}

		eng, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close() //nolint:errcheck

		req := &model.Request{
			DemandID:    demand,
			RequesterID: requester,
			Category:    category,
			Embedding:   vec,
			Quantity:    quantity,
		}
		jobID, err := eng.orch.Submit(ctx, req)
		if err != nil {
			return eris.Wrap(err, "submit")
		}

		if eng.durable {
			fmt.Fprintf(os.Stdout, "request %s queued (match job %s)\n", req.ID, jobID)
			return nil
		}

		n := drainQueues(ctx, eng.queue, queue.Matching, queue.Fulfillment)
		zap.L().Debug("drained in-process queues", zap.Int("processed", n))

		jobs, err := eng.store.ListJobs(ctx, store.JobFilter{RequestID: req.ID})
		if err != nil {
			return eris.Wrap(err, "submit: list jobs")
		}
		fmt.Fprintf(os.Stdout, "request %s\n", req.ID)
		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No fulfillment jobs created.")
			return nil
		}
		formatJobsList(os.Stdout, jobs)
		return nil
	},
}

// drainQueues processes ready jobs on the named queues until none are left.
// Jobs scheduled for a later retry stay queued.
func drainQueues(ctx context.Context, mgr *queue.Manager, names ...queue.Name) int {
	processed := 0
	for {
		progressed := false
		for _, name := range names {
			ok, err := mgr.ProcessOne(ctx, name)
			if err != nil {
				zap.L().Warn("drain: queue error", zap.String("queue", string(name)), zap.Error(err))
				continue
			}
			if ok {
				processed++
				progressed = true
			}
		}
		if !progressed || ctx.Err() != nil {
			return processed
		}
	}
}

// parseEmbedding reads a comma-separated vector.
func parseEmbedding(raw string) ([]float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	vec := make([]float64, 0, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, eris.Wrapf(err, "embedding component %d", i)
		}
		vec = append(vec, v)
	}
	return vec, nil
}

func init() {
	submitCmd.Flags().String("demand", "", "demand ID (required)")
	submitCmd.Flags().String("requester", "", "requester ID (required)")
	submitCmd.Flags().String("category", "", "product category")
	submitCmd.Flags().String("embedding", "", "comma-separated embedding vector (required)")
	submitCmd.Flags().Int("quantity", 0, "requested quantity")
	_ = submitCmd.MarkFlagRequired("demand")
	_ = submitCmd.MarkFlagRequired("requester")
	_ = submitCmd.MarkFlagRequired("embedding")
	rootCmd.AddCommand(submitCmd)
}
