package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"modelearth/pipeline/internal/config"
	"modelearth/pipeline/internal/db"
	"modelearth/pipeline/internal/runner"
)

var (
	runDryRun    bool
	runNoJournal bool
)

var runCmd = &cobra.Command{
	Use:   "run <node_id>",
	Short: "Run a node's command in its working directory",
	Long: `Runs python_cmds through the shell from the node's link directory, resolved
against the registry directory first and the repository root second. Nodes
with run_process_available set to no are refused. Commands time out after an
hour unless processing_time_est is slow or very_slow.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, t, err := LoadRegistry()
		if err != nil {
			return err
		}
		row, ok := t.Find(args[0])
		if !ok {
			return fmt.Errorf("node not found: %s", args[0])
		}
		res := config.NewResolver(filepath.Dir(path), webrootFor(path))
		spec, err := runner.SpecFor(row, res)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "\n%s\nRUNNING NODE: %s (%s)\n%s\n\n", rule, spec.Name, spec.NodeID, rule)
		fmt.Fprintf(out, "Command:     %s\n", spec.Command)
		fmt.Fprintf(out, "Directory:   %s\n", spec.WorkDir)
		fmt.Fprintf(out, "Processing:  %s\n", orDefault(spec.ProcessingTime, "unknown"))
		if runDryRun {
			fmt.Fprintln(out, "\n[DRY RUN] Would execute command above")
			return nil
		}
		fmt.Fprint(out, "\nStarting execution...\n\n")

		var journal runner.Journal
		if !runNoJournal {
			j, err := OpenJournal(path)
			if err != nil {
				logger.Warn("journal unavailable, running without it", zap.Error(err))
			} else {
				defer j.Close()
				journal = j
			}
		}

		r := runner.New(journal, logger)
		result, err := r.Run(cmd.Context(), spec)
		if err != nil {
			return err
		}
		elapsed := runner.FormatDurationShort(result.Duration.Milliseconds())
		if result.RunID != "" {
			defer fmt.Fprintf(out, "Run ID: %s (pipeline history --run %s)\n", result.RunID, result.RunID)
		}
		switch result.Status {
		case db.StatusSucceeded:
			fmt.Fprintf(out, "\n✓ Node '%s' completed successfully (%s)\n", spec.NodeID, elapsed)
			return nil
		case db.StatusTimeout:
			fmt.Fprintf(out, "\n✗ Node '%s' timed out after %s\n", spec.NodeID, elapsed)
			return &exitError{code: 1}
		default:
			fmt.Fprintf(out, "\n✗ Node '%s' exited with code %d\n", spec.NodeID, result.ExitCode)
			code := result.ExitCode
			if code <= 0 {
				code = 1
			}
			return &exitError{code: code}
		}
	},
}

func init() {
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Print the command without running it")
	runCmd.Flags().BoolVar(&runNoJournal, "no-journal", false, "Do not record the run")
	rootCmd.AddCommand(runCmd)
}
