package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/spf13/cobra"

	"modelearth/pipeline/internal/graph"
	"modelearth/pipeline/internal/runner"
)

var (
	analyzeJSON         bool
	analyzePipeline     string
	analyzeTopN         int
	analyzeHubThreshold int
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze the registry's dependency graph: pipelines, orphans, broken parents, hubs",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, t, err := LoadRegistry()
		if err != nil {
			return err
		}

		snap := graph.SnapshotFromTable(t)
		if analyzePipeline != "" {
			snap = snap.FilterToPipeline(analyzePipeline)
		}

		report := graph.ComputeTopology(snap, analyzeHubThreshold, analyzeTopN)

		if analyzeJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}

		printTopology(cmd.OutOrStdout(), report, snap, analyzeTopN)
		return nil
	},
}

func init() {
	analyzeCmd.Flags().BoolVar(&analyzeJSON, "json", false, "Output as JSON")
	analyzeCmd.Flags().StringVar(&analyzePipeline, "pipeline", "", "Scope analysis to descendants of this node ID")
	analyzeCmd.Flags().IntVar(&analyzeTopN, "top-n", 10, "Number of top items to show per section")
	analyzeCmd.Flags().IntVar(&analyzeHubThreshold, "hub-threshold", 3, "Minimum number of children to consider a node a hub")
	rootCmd.AddCommand(analyzeCmd)
}

func nodeName(snap *graph.GraphSnapshot, id string) string {
	if n := snap.Nodes[id]; n != nil && n.Name != "" {
		return runner.TruncateEnd(n.Name, 50)
	}
	return "?"
}

func printTopology(w io.Writer, t *graph.TopologyReport, snap *graph.GraphSnapshot, topN int) {
	fmt.Fprintln(w, "\n  TOPOLOGY")
	fmt.Fprintln(w, "  ────────────────────────────────────────")
	fmt.Fprintf(w, "  Nodes: %d  Edges: %d  Components: %d\n", t.TotalNodes, t.TotalEdges, t.NumComponents)
	fmt.Fprintf(w, "  Largest component: %d  Smallest: %d\n", t.LargestComponent, t.SmallestComponent)

	if len(t.Pipelines) > 0 {
		fmt.Fprintf(w, "\n  Pipelines: %d\n", len(t.Pipelines))
		for _, p := range t.Pipelines {
			fmt.Fprintf(w, "    %-20s %3d nodes  %s\n", p.RootID, p.Size, runner.TruncateEnd(p.Name, 40))
		}
	}

	if t.OrphanCount > 0 {
		fmt.Fprintf(w, "\n  Orphans: %d unconnected nodes\n", t.OrphanCount)
		limit := 5
		if len(t.OrphanIDs) < limit {
			limit = len(t.OrphanIDs)
		}
		for _, id := range t.OrphanIDs[:limit] {
			fmt.Fprintf(w, "    - %s (%s)\n", id, nodeName(snap, id))
		}
		if t.OrphanCount > limit {
			fmt.Fprintf(w, "    ... and %d more\n", t.OrphanCount-limit)
		}
	}

	if len(t.Dangling) > 0 {
		fmt.Fprintf(w, "\n  Broken parent references: %d (dropped from nodes.json)\n", len(t.Dangling))
		for i, d := range t.Dangling {
			if i == topN {
				fmt.Fprintf(w, "    ... and %d more\n", len(t.Dangling)-topN)
				break
			}
			fmt.Fprintf(w, "    %s -> missing %s\n", d.NodeID, d.ParentID)
		}
	}

	if len(t.CycleIDs) > 0 {
		fmt.Fprintf(w, "\n  Parent cycles: %s\n", strings.Join(t.CycleIDs, ", "))
	}

	// Degree distribution
	fmt.Fprintln(w, "\n  Degree distribution:")
	for _, b := range t.DegreeHistogram {
		if b.Count > 0 {
			barWidth := int(math.Log2(float64(b.Count))) + 2
			fmt.Fprintf(w, "    %5s: %4d  %s\n", b.Label, b.Count, strings.Repeat("=", barWidth))
		}
	}

	// Hubs
	if len(t.Hubs) > 0 {
		fmt.Fprintln(w, "\n  Fan-out hubs (children > threshold):")
		for _, hub := range t.Hubs {
			fmt.Fprintf(w, "    %s degree=%d (in=%d, out=%d)  %s\n",
				hub.ID, hub.Degree, hub.InDegree, hub.OutDegree, runner.TruncateEnd(hub.Name, 40))
		}
	}

	fmt.Fprintln(w)
}
