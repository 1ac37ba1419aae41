package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/quote-engine/internal/model"
	"github.com/sells-group/quote-engine/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect fulfillment jobs",
	Long:  "Commands for listing, viewing, and summarizing fulfillment jobs.",
}

// -- jobs list --

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List fulfillment jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		request, _ := cmd.Flags().GetString("request")
		candidate, _ := cmd.Flags().GetString("candidate")
		limit, _ := cmd.Flags().GetInt("limit")

		jobs, err := st.ListJobs(ctx, store.JobFilter{
			Status:      model.JobStatus(status),
			RequestID:   request,
			CandidateID: candidate,
			Limit:       limit,
		})
		if err != nil {
			return eris.Wrap(err, "jobs list")
		}

		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}

		formatJobsList(os.Stdout, jobs)
		return nil
	},
}

// -- jobs show --

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show full details of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		job, err := st.GetJob(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

// -- jobs stats --

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate job statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		jobs, err := st.ListJobs(ctx, store.JobFilter{Limit: 10000})
		if err != nil {
			return eris.Wrap(err, "jobs stats")
		}

		var cutoff time.Time
		if since > 0 {
			cutoff = time.Now().Add(-since)
		}
		formatJobStats(os.Stdout, computeJobStats(jobs, cutoff))
		return nil
	},
}

func init() {
	jobsListCmd.Flags().String("status", "", "filter by job status (pending, in_progress, timeout, fulfilled, failed, escalated)")
	jobsListCmd.Flags().String("request", "", "filter by request ID")
	jobsListCmd.Flags().String("candidate", "", "filter by candidate ID")
	jobsListCmd.Flags().Int("limit", 50, "max number of jobs to display")

	jobsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsStatsCmd)
	rootCmd.AddCommand(jobsCmd)
}

// jobStats holds aggregate statistics computed from a set of jobs.
type jobStats struct {
	Total      int
	Fulfilled  int
	Open       int
	Failed     int
	Escalated  int
	ByMode     map[model.JobMode]int
	AvgDurSecs float64
}

// computeJobStats aggregates jobs created at or after cutoff. A zero cutoff
// includes every job.
func computeJobStats(jobs []model.FulfillmentJob, cutoff time.Time) jobStats {
	s := jobStats{ByMode: make(map[model.JobMode]int)}

	var totalDur time.Duration
	var durCount int

	for _, j := range jobs {
		if !cutoff.IsZero() && j.CreatedAt.Before(cutoff) {
			continue
		}
		s.Total++
		s.ByMode[j.Mode]++
		switch j.Status {
		case model.JobStatusFulfilled:
			s.Fulfilled++
			totalDur += j.UpdatedAt.Sub(j.CreatedAt)
			durCount++
		case model.JobStatusFailed:
			s.Failed++
		case model.JobStatusEscalated:
			s.Escalated++
		default:
			s.Open++
		}
	}

	if durCount > 0 {
		s.AvgDurSecs = totalDur.Seconds() / float64(durCount)
	}
	return s
}

// formatJobsList writes a tabular list of jobs to w.
func formatJobsList(out io.Writer, jobs []model.FulfillmentJob) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tREQUEST\tCANDIDATE\tMODE\tSTATUS\tATTEMPT\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t-------\t---------\t----\t------\t-------\t-------")

	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			truncateID(j.ID),
			truncateID(j.RequestID),
			j.CandidateID,
			j.Mode,
			j.Status,
			j.Attempt,
			j.MaxAttempts,
			j.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatJobStats writes aggregate stats to w.
func formatJobStats(out io.Writer, s jobStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total jobs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Fulfilled:\t%d\n", s.Fulfilled)
	_, _ = fmt.Fprintf(w, "Open:\t%d\n", s.Open)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "Escalated:\t%d\n", s.Escalated)
	for _, mode := range []model.JobMode{model.ModeDirectSource, model.ModeAgentDispatch, model.ModeManual} {
		if n := s.ByMode[mode]; n > 0 {
			_, _ = fmt.Fprintf(w, "  %s:\t%d\n", mode, n)
		}
	}
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg time to quote:\t%.1fs\n", s.AvgDurSecs)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
