package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"modelearth/pipeline/internal/graph"
	"modelearth/pipeline/internal/registry"
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Regenerate nodes.json from nodes.csv",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := DiscoverRegistry()
		if err != nil {
			return err
		}
		wf, err := graph.Regenerate(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "[OK] nodes.json: %d nodes, %d connections\n",
			len(wf.Nodes), len(wf.Connections.Parents()))
		return nil
	},
}

var sortCmd = &cobra.Command{
	Use:   "sort",
	Short: "Sort nodes.csv by order, then node_id",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := DiscoverRegistry()
		if err != nil {
			return err
		}
		if err := registry.SortByOrder(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "[OK] sorted %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(graphCmd, sortCmd)
}
