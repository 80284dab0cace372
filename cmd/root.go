package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"modelearth/pipeline/internal/db"
	"modelearth/pipeline/internal/logging"
	"modelearth/pipeline/internal/registry"
)

var (
	nodesPath string
	dbPath    string
	verbose   bool

	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:           "pipeline",
	Short:         "Model.Earth pipeline node registry tools",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := logging.LevelFromEnv()
		if verbose {
			level = "debug"
		}
		l, err := logging.New(level)
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

// exitError ends the process with code after its message, if any, has
// already been shown.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func Execute() {
	// A missing .env is normal.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	var ee *exitError
	if errors.As(err, &ee) {
		os.Exit(ee.code)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&nodesPath, "nodes", "", "Path to the nodes.csv registry")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to the run journal (default .pipeline.db next to nodes.csv)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
}

// DiscoverRegistry finds nodes.csv using priority: env > flag > walk-up
func DiscoverRegistry() (string, error) {
	// 1. Environment variable
	if envPath := os.Getenv("PIPELINE_NODES_CSV"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath, nil
		}
	}

	// 2. CLI flag
	if nodesPath != "" {
		if _, err := os.Stat(nodesPath); err == nil {
			return nodesPath, nil
		}
		return "", fmt.Errorf("registry not found at --nodes path: %s", nodesPath)
	}

	// 3. Walk up from CWD
	dir, err := os.Getwd()
	if err == nil {
		for {
			candidate := filepath.Join(dir, "nodes.csv")
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}

	return "", fmt.Errorf("no nodes.csv found (set PIPELINE_NODES_CSV, use --nodes, or run from a directory containing nodes.csv)")
}

// LoadRegistry discovers and reads the registry
func LoadRegistry() (string, *registry.Table, error) {
	path, err := DiscoverRegistry()
	if err != nil {
		return "", nil, err
	}
	t, err := registry.ReadTable(path)
	if err != nil {
		return "", nil, err
	}
	return path, t, nil
}

// JournalPath returns the journal location for the registry at registryPath:
// PIPELINE_DB, then --db, then next to the registry.
func JournalPath(registryPath string) string {
	if envPath := os.Getenv("PIPELINE_DB"); envPath != "" {
		return envPath
	}
	if dbPath != "" {
		return dbPath
	}
	return db.DefaultPath(registryPath)
}

// OpenJournal opens (creating if needed) the journal for registryPath
func OpenJournal(registryPath string) (*db.DB, error) {
	return db.OpenDB(JournalPath(registryPath))
}

// OpenExistingJournal opens the journal only when it already exists, so
// read-only commands never create one. It returns nil, nil otherwise.
func OpenExistingJournal(registryPath string) (*db.DB, error) {
	path := JournalPath(registryPath)
	if _, err := os.Stat(path); err != nil {
		return nil, nil
	}
	return db.OpenDB(path)
}

// webrootFor is the repository root for a registry that lives one directory
// below it, unless PIPELINE_WEBROOT says otherwise.
func webrootFor(registryPath string) string {
	if env := os.Getenv("PIPELINE_WEBROOT"); env != "" {
		return env
	}
	abs, err := filepath.Abs(registryPath)
	if err != nil {
		abs = registryPath
	}
	return filepath.Dir(filepath.Dir(abs))
}
