package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"voxelcraft.ai/pilot/internal/journal"
	"voxelcraft.ai/pilot/internal/modes"
	"voxelcraft.ai/pilot/internal/store"
)

func modesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modes",
		Short: "List the agent modes and their profile switches",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProfile()
			if err != nil {
				return err
			}
			c := modes.New(modes.Config{Logger: logger, Tuning: p.Tuning()})
			if err := c.Load(p.Modes); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), c.Docs())
			return nil
		},
	}
}

func journalCmd() *cobra.Command {
	var (
		kind   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Print the agent journal",
		Long: `Reads every journal file under <data_dir>/journal in order.

Examples:
  pilot journal                 # everything
  pilot journal --kind death    # only deaths
  pilot journal --json          # one JSON entry per line`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProfile()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			return journal.Read(p.JournalDir(), func(e journal.Entry) error {
				if kind != "" && e.Kind != kind {
					return nil
				}
				if asJSON {
					return enc.Encode(e)
				}
				_, err := fmt.Fprintf(out, "%s %-11s %s\n", e.Time.Format(time.RFC3339), e.Kind, describe(e))
				return err
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "only entries of this kind (action, behavior, self_prompt, death, note)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON lines")
	return cmd
}

func describe(e journal.Entry) string {
	if e.Kind != journal.KindAction {
		return e.Text
	}
	status := "ok"
	switch {
	case e.TimedOut:
		status = "timeout"
	case e.Interrupted:
		status = "interrupted"
	case !e.Success:
		status = "failed"
	}
	s := fmt.Sprintf("%s %s %dms", e.Label, status, e.ElapsedMS)
	if e.Err != "" {
		s += " err=" + e.Err
	}
	return s
}

func actionsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "actions",
		Short: "Show the most recent actions from the local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProfile()
			if err != nil {
				return err
			}
			if _, err := os.Stat(p.DBPath()); err != nil {
				return fmt.Errorf("no store at %s: %w", p.DBPath(), err)
			}
			st, err := store.OpenSQLite(p.DBPath(), logger)
			if err != nil {
				return err
			}
			defer st.Close()

			rows, err := st.RecentActions(context.Background(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tLABEL\tELAPSED\tOK\tTIMEOUT\tERROR")
			for _, r := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%t\t%s\n",
					r.StartedAt.Format(time.RFC3339), r.Label, r.Elapsed.Round(time.Millisecond), r.Success, r.Timeout, r.Err)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of actions")
	return cmd
}
