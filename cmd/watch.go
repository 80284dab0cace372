package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"modelearth/pipeline/internal/watch"
)

var watchDebounce time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Regenerate nodes.json whenever nodes.csv changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := DiscoverRegistry()
		if err != nil {
			return err
		}
		w, err := watch.New(path, logger)
		if err != nil {
			return err
		}
		w.SetDebounce(watchDebounce)
		out := cmd.OutOrStdout()
		w.OnRegenerate = func(err error) {
			if err != nil {
				fmt.Fprintf(out, "[ERROR] %v\n", err)
				return
			}
			fmt.Fprintf(out, "[OK] nodes.json regenerated at %s\n", time.Now().Format(time.TimeOnly))
		}
		fmt.Fprintf(out, "Watching %s (Ctrl-C to stop)\n", w.Path())
		if err := w.Run(cmd.Context()); err != nil {
			return err
		}
		logger.Info("watch stopped", zap.Int("regenerations", w.Stats().Regenerations))
		return nil
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", watch.DefaultDebounce, "Quiet period before regenerating")
	rootCmd.AddCommand(watchCmd)
}
