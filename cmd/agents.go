package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/quote-engine/internal/agent"
	"github.com/sells-group/quote-engine/internal/model"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Show supplier agents from the last registry snapshot",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snap, err := st.LoadAgentSnapshot(ctx)
		if err != nil {
			return eris.Wrap(err, "agents: load snapshot")
		}
		reg := agent.NewRegistry(agent.OptionsFromConfig(cfg.Agent), nil)
		reg.Restore(snap)

		agents := reg.List()
		if len(agents) == 0 {
			fmt.Fprintln(os.Stderr, "No agents registered.")
			return nil
		}
		formatAgents(os.Stdout, agents, time.Now())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(agentsCmd)
}

var stateColors = map[model.AgentState]*color.Color{
	model.AgentOnline:     color.New(color.FgGreen),
	model.AgentOffline:    color.New(color.FgRed),
	model.AgentRegistered: color.New(color.FgYellow),
}

// formatAgents writes one row per agent with its derived state.
func formatAgents(out io.Writer, agents []model.Agent, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "AGENT\tCANDIDATE\tSTATE\tLAST_SEEN\tPENDING\tCOMPLETED")
	_, _ = fmt.Fprintln(w, "-----\t---------\t-----\t---------\t-------\t---------")
	for _, a := range agents {
		state := string(a.State)
		if c, ok := stateColors[a.State]; ok {
			state = c.Sprint(state)
		}
		seen := "never"
		if a.LastHeartbeat != nil {
			seen = now.Sub(*a.LastHeartbeat).Round(time.Second).String() + " ago"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n",
			a.ID,
			a.CandidateID,
			state,
			seen,
			len(a.Pending),
			a.Stats.CompletedTotal,
		)
	}
	_ = w.Flush()
}
