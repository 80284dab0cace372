package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"modelearth/pipeline/internal/db"
	"modelearth/pipeline/internal/graph"
	"modelearth/pipeline/internal/registry"
	"modelearth/pipeline/internal/runner"
)

var rule = strings.Repeat("=", 80)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all pipeline nodes grouped by type",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, t, err := LoadRegistry()
		if err != nil {
			return err
		}
		printList(cmd.OutOrStdout(), t)
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info <node_id>",
	Short: "Show details for one node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, t, err := LoadRegistry()
		if err != nil {
			return err
		}
		row, ok := t.Find(args[0])
		if !ok {
			return fmt.Errorf("node not found: %s", args[0])
		}
		printInfo(cmd.OutOrStdout(), row)
		return nil
	},
}

var depsCmd = &cobra.Command{
	Use:     "deps <node_id>",
	Aliases: []string{"dependencies"},
	Short:   "Show what runs before and after a node",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, t, err := LoadRegistry()
		if err != nil {
			return err
		}
		row, ok := t.Find(args[0])
		if !ok {
			return fmt.Errorf("node not found: %s", args[0])
		}
		wf, err := graph.ReadWorkflow(filepath.Join(filepath.Dir(path), graph.WorkflowFile))
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("nodes.json missing, deriving connections from the registry")
			wf, err = graph.Build(t.Rows, nil), nil
		}
		if err != nil {
			return err
		}
		printDeps(cmd.OutOrStdout(), row, wf)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize the registry and the latest run of each node",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, t, err := LoadRegistry()
		if err != nil {
			return err
		}
		var latest map[string]db.Run
		if j, err := OpenExistingJournal(path); err != nil {
			logger.Warn("journal unavailable", zap.Error(err))
		} else if j != nil {
			defer j.Close()
			if latest, err = j.LatestRuns(); err != nil {
				return fmt.Errorf("loading runs: %w", err)
			}
		}
		printStatus(cmd.OutOrStdout(), t, latest)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd, infoCmd, depsCmd, statusCmd)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func typeOf(r registry.NodeRow) string {
	return orDefault(r.Get(registry.ColType), "unknown")
}

func printList(w io.Writer, t *registry.Table) {
	fmt.Fprintf(w, "\n%s\nMODEL.EARTH DATA PIPELINE NODES\n%s\n\n", rule, rule)

	byType := make(map[string][]registry.NodeRow)
	for _, r := range t.Rows {
		byType[typeOf(r)] = append(byType[typeOf(r)], r)
	}
	types := make([]string, 0, len(byType))
	for k := range byType {
		types = append(types, k)
	}
	sort.Strings(types)

	for _, typ := range types {
		rows := byType[typ]
		sort.SliceStable(rows, func(i, j int) bool {
			a, _ := rows[i].Rank()
			b, _ := rows[j].Rank()
			return a < b
		})
		fmt.Fprintf(w, "\n%s:\n%s\n", strings.ToUpper(strings.ReplaceAll(typ, "_", " ")), strings.Repeat("-", 80))
		for _, r := range rows {
			fmt.Fprintf(w, "  [%-10s] %-40s (%-10s)\n",
				orDefault(r.NodeID, "N/A"), orDefault(r.Name, "N/A"), orDefault(r.ProcessingTimeEst, "unknown"))
			if d := runner.TruncateEnd(r.Description, 60); d != "" {
				fmt.Fprintf(w, "            %s\n", d)
			}
		}
	}
	fmt.Fprintf(w, "\n\nTotal: %d pipeline nodes\n%s\n\n", len(t.Rows), rule)
}

func printInfo(w io.Writer, r registry.NodeRow) {
	fmt.Fprintf(w, "\n%s\nNODE INFORMATION: %s\n%s\n\n", rule, r.NodeID, rule)
	fmt.Fprintf(w, "Name:        %s\n", orDefault(r.Name, "N/A"))
	fmt.Fprintf(w, "Type:        %s\n", orDefault(r.Get(registry.ColType), "N/A"))
	fmt.Fprintf(w, "Description: %s\n", orDefault(r.Description, "N/A"))
	fmt.Fprintf(w, "\nCommand:\n  %s\n", orDefault(r.PythonCmds, "N/A"))
	fmt.Fprintf(w, "\nWorking Directory:\n  %s\n", orDefault(r.Link, "N/A"))
	fmt.Fprintf(w, "\nOutput Path:\n  %s\n", orDefault(r.OutputPath, "N/A"))
	fmt.Fprintf(w, "\nOutput Info:\n  %s\n", orDefault(r.OutputInfo, "N/A"))
	fmt.Fprintf(w, "\nProcessing Time: %s\n", orDefault(r.ProcessingTimeEst, "unknown"))
	fmt.Fprintf(w, "Folder Size:     %s\n", orDefault(r.Get("folder_size"), "unknown"))
	fmt.Fprintf(w, "Rate Limited:    %s\n", orDefault(r.Get("rate_limited"), "unknown"))
	fmt.Fprintf(w, "Parallel Safe:   %s\n", orDefault(r.Get("n8n_parallel_safe"), "unknown"))

	if r.Dependencies != "" {
		fmt.Fprintln(w, "\nDependencies:")
		for _, d := range strings.Split(r.Dependencies, ",") {
			fmt.Fprintf(w, "  - %s\n", strings.TrimSpace(d))
		}
	}
	if keys := r.Get("api_keys_required"); keys != "" && !strings.EqualFold(keys, "none") {
		fmt.Fprintln(w, "\nAPI Keys Required:")
		for _, k := range strings.Split(keys, ",") {
			fmt.Fprintf(w, "  - %s\n", strings.TrimSpace(k))
		}
	}
	if src := r.Get("data_sources"); src != "" {
		fmt.Fprintf(w, "\nData Source: %s\n", src)
	}
	fmt.Fprintf(w, "\n%s\n\n", rule)
}

func printDeps(w io.Writer, r registry.NodeRow, wf *graph.Workflow) {
	name := orDefault(r.Name, r.NodeID)
	fmt.Fprintf(w, "\n%s\nDEPENDENCY CHAIN: %s (%s)\n%s\n\n", rule, name, r.NodeID, rule)

	upstream, downstream := graph.Chain(wf, name)
	if len(upstream) > 0 {
		fmt.Fprintln(w, "Upstream Dependencies (runs before this node):")
		for _, u := range upstream {
			fmt.Fprintf(w, "  → %s\n", u)
		}
	} else {
		fmt.Fprintln(w, "No upstream dependencies (can run independently)")
	}
	if len(downstream) > 0 {
		fmt.Fprintln(w, "\nDownstream Dependencies (runs after this node):")
		for _, d := range downstream {
			fmt.Fprintf(w, "  → %s\n", d)
		}
	} else {
		fmt.Fprintln(w, "\nNo downstream dependencies (terminal node)")
	}
	fmt.Fprintf(w, "\n%s\n\n", rule)
}

var timeCategories = []string{"fast", "medium", "slow", "very_slow"}

func printStatus(w io.Writer, t *registry.Table, latest map[string]db.Run) {
	fmt.Fprintf(w, "\n%s\nPIPELINE STATUS OVERVIEW\n%s\n\n", rule, rule)

	byType := make(map[string]int)
	byTime := make(map[string]int)
	rateLimited, parallelSafe := 0, 0
	for _, r := range t.Rows {
		byType[typeOf(r)]++
		byTime[strings.ToLower(r.ProcessingTimeEst)]++
		if strings.EqualFold(r.Get("rate_limited"), "yes") {
			rateLimited++
		}
		if strings.EqualFold(r.Get("n8n_parallel_safe"), "yes") {
			parallelSafe++
		}
	}

	types := make([]string, 0, len(byType))
	for k := range byType {
		types = append(types, k)
	}
	sort.Strings(types)
	fmt.Fprintln(w, "Pipeline Distribution by Type:")
	for _, typ := range types {
		fmt.Fprintf(w, "  %-20s: %3d nodes\n", typ, byType[typ])
	}

	fmt.Fprintln(w, "\nProcessing Time Distribution:")
	for _, c := range timeCategories {
		fmt.Fprintf(w, "  %-10s: %3d nodes\n", c, byTime[c])
	}

	fmt.Fprintln(w, "\nOther Statistics:")
	fmt.Fprintf(w, "  Rate Limited:     %d/%d nodes\n", rateLimited, len(t.Rows))
	fmt.Fprintf(w, "  Parallel Safe:    %d/%d nodes\n", parallelSafe, len(t.Rows))
	fmt.Fprintf(w, "  Total Nodes:      %d\n", len(t.Rows))

	if len(latest) > 0 {
		fmt.Fprintln(w, "\nLatest Runs:")
		for _, r := range t.Rows {
			run, ok := latest[r.NodeID]
			if !ok {
				continue
			}
			fmt.Fprintf(w, "  %-20s %-10s %s\n", r.NodeID, run.Status, runDuration(run))
		}
	}
	fmt.Fprintf(w, "\n%s\n\n", rule)
}

func runDuration(r db.Run) string {
	if r.FinishedAt == nil {
		return "in progress"
	}
	return runner.FormatDurationShort(*r.FinishedAt - r.StartedAt)
}
