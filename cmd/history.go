package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"modelearth/pipeline/internal/db"
	"modelearth/pipeline/internal/runner"
)

var (
	historyLimit int
	historyRun   string
)

var historyCmd = &cobra.Command{
	Use:   "history [node_id]",
	Short: "Show journaled registry updates and runs",
	Long: `Lists the journal's recent registry updates and node runs, newest first.
With --run, prints one run in full, including the tail of its output.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := DiscoverRegistry()
		if err != nil {
			return err
		}
		j, err := OpenExistingJournal(path)
		if err != nil {
			return err
		}
		if j == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "No journal at %s\n", JournalPath(path))
			return nil
		}
		defer j.Close()

		if historyRun != "" {
			r, err := j.GetRun(historyRun)
			if err != nil {
				return fmt.Errorf("loading run: %w", err)
			}
			if r == nil {
				return fmt.Errorf("no run %s in %s", historyRun, JournalPath(path))
			}
			printRun(cmd.OutOrStdout(), r)
			return nil
		}

		nodeID := ""
		if len(args) == 1 {
			nodeID = args[0]
		}
		ups, err := j.RecentUpserts(nodeID, historyLimit)
		if err != nil {
			return fmt.Errorf("loading upserts: %w", err)
		}
		runs, err := j.RunsForNode(nodeID, historyLimit)
		if err != nil {
			return fmt.Errorf("loading runs: %w", err)
		}
		printHistory(cmd.OutOrStdout(), ups, runs)
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Entries per section")
	historyCmd.Flags().StringVar(&historyRun, "run", "", "Show a single run by ID")
	rootCmd.AddCommand(historyCmd)
}

func stamp(ms int64) string {
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}

func printHistory(w io.Writer, ups []db.Upsert, runs []db.Run) {
	fmt.Fprintln(w, "Registry updates:")
	if len(ups) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, u := range ups {
		verb := "updated"
		if u.Inserted {
			verb = "inserted"
		}
		line := fmt.Sprintf("  %s  %-8s %s", stamp(u.CreatedAt), verb, u.NodeID)
		if u.MatchID != "" && u.MatchID != u.NodeID {
			line += " (was " + u.MatchID + ")"
		}
		line += fmt.Sprintf("  [%s, %d columns]", u.Mode, u.Columns)
		if u.Source != nil {
			line += "  " + *u.Source
		}
		fmt.Fprintln(w, line)
	}

	fmt.Fprintln(w, "\nRuns:")
	if len(runs) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, r := range runs {
		code := "-"
		if r.ExitCode != nil {
			code = fmt.Sprint(*r.ExitCode)
		}
		fmt.Fprintf(w, "  %s  %-10s %-20s exit=%s  %s  %s  [%s]\n",
			stamp(r.StartedAt), r.Status, r.NodeID, code, runDuration(r), runner.TruncateMiddle(r.Command, 50), r.ID)
	}
}

func printRun(w io.Writer, r *db.Run) {
	code := "-"
	if r.ExitCode != nil {
		code = fmt.Sprint(*r.ExitCode)
	}
	fmt.Fprintf(w, "Run %s\n", r.ID)
	fmt.Fprintf(w, "  Node:       %s\n", r.NodeID)
	fmt.Fprintf(w, "  Status:     %s\n", r.Status)
	fmt.Fprintf(w, "  Exit code:  %s\n", code)
	fmt.Fprintf(w, "  Started:    %s\n", stamp(r.StartedAt))
	fmt.Fprintf(w, "  Duration:   %s\n", runDuration(*r))
	fmt.Fprintf(w, "  Directory:  %s\n", r.WorkingDir)
	fmt.Fprintf(w, "  Command:    %s\n", r.Command)
	fmt.Fprintln(w, "\nOutput:")
	if r.Output == nil || *r.Output == "" {
		fmt.Fprintln(w, "  (none)")
		return
	}
	fmt.Fprintln(w, strings.TrimRight(*r.Output, "\n"))
}
