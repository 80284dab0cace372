package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"modelearth/pipeline/internal/config"
	"modelearth/pipeline/internal/failure"
	"modelearth/pipeline/internal/nodesync"
)

var addNodeCmd = &cobra.Command{
	Use:   "add-node [config.yaml] [--KEY value]...",
	Short: "Insert or update one node in nodes.csv and regenerate nodes.json",
	Long: `Analyzes SOURCE_PYTHON, merges the tool config, command-line overrides and the
script's own config.yaml NODES entry into one row, upserts it into nodes.csv,
re-sorts the registry by order and rewrites nodes.json.

Flags are config keys: --source-python x.py sets SOURCE_PYTHON. A flag without
a value is true. The first argument, when it is not a flag, replaces the
default config.yaml.`,
	DisableFlagParsing: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, a := range args {
			if a == "-h" || a == "--help" {
				return cmd.Help()
			}
		}
		rep, err := addNode(cmd, args)
		if err != nil {
			cwd, _ := os.Getwd()
			printErrorBlock(cmd.ErrOrStderr(), err, cwd, os.Args)
			return &exitError{code: 1}
		}
		rep.Print(cmd.OutOrStdout())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(addNodeCmd)
}

func addNode(cmd *cobra.Command, args []string) (*nodesync.Report, error) {
	toolDir := os.Getenv("PIPELINE_HOME")
	if toolDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		toolDir = wd
	}
	roots := config.DefaultRoots(toolDir)

	configArg, overrides := config.ParseArgs(args)
	configPath := roots.DefaultConfigPath()
	if configArg != "" {
		wd, _ := os.Getwd()
		configPath = config.NewResolver(wd, roots.Webroot).Resolve(configArg)
	}
	logger.Debug("resolved tool config", zap.String("config", configPath), zap.String("webroot", roots.Webroot))

	s := nodesync.New(nodesync.Options{
		Roots:      roots,
		ConfigPath: configPath,
		Overrides:  overrides,
		OpenJournal: func(registryPath string) (nodesync.Journal, error) {
			return OpenJournal(registryPath)
		},
		Log: logger,
	})
	return s.Sync(cmd.Context())
}

// printErrorBlock writes the diagnostic block for a failed add-node run,
// followed by each wrapped cause.
func printErrorBlock(w io.Writer, err error, cwd string, argv []string) {
	fmt.Fprintf(w, "[ERROR] %s: %v\n", failure.KindOf(err), err)
	fmt.Fprintf(w, "[ERROR] cwd: %s\n", cwd)
	fmt.Fprintf(w, "[ERROR] argv: %s\n", strings.Join(argv, " "))
	if d, ok := failure.OSDetailsOf(err); ok {
		errno := "None"
		if d.Errno != 0 {
			errno = fmt.Sprint(d.Errno)
		}
		fmt.Fprintf(w, "[ERROR] os_error_details: errno=%s filename=%s filename2=%s\n",
			errno, orNone(d.Filename), orNone(d.Filename2))
	}
	fmt.Fprintln(w, "Error chain:")
	for e := err; e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(w, "  %T: %v\n", e, e)
	}
}

func orNone(s string) string {
	if s == "" {
		return "None"
	}
	return s
}
