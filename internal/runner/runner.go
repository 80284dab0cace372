// Package runner executes a registry node's command in its working directory.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"modelearth/pipeline/internal/config"
	"modelearth/pipeline/internal/db"
	"modelearth/pipeline/internal/registry"
)

// DefaultTimeout bounds nodes not marked slow or very_slow.
const DefaultTimeout = time.Hour

const outputTail = 10 * 1024

// ErrNotRunnable is returned for nodes with run_process_available set to no.
var ErrNotRunnable = errors.New("node does not allow running")

// Spec is what to run for one node.
type Spec struct {
	NodeID         string
	Name           string
	Command        string
	WorkDir        string
	ProcessingTime string
}

// LongRunning reports whether the node is exempt from the default timeout.
func (s Spec) LongRunning() bool {
	switch strings.ToLower(strings.TrimSpace(s.ProcessingTime)) {
	case "slow", "very_slow":
		return true
	}
	return false
}

// SpecFor builds the run spec of row. The link is resolved through res, so a
// link relative to the registry directory or to the repo root both work.
func SpecFor(row registry.NodeRow, res config.Resolver) (Spec, error) {
	if strings.EqualFold(strings.TrimSpace(row.Get("run_process_available")), "no") {
		return Spec{}, fmt.Errorf("%s: %w", row.NodeID, ErrNotRunnable)
	}
	command := strings.TrimSpace(row.PythonCmds)
	if command == "" {
		return Spec{}, fmt.Errorf("no command specified for node %s", row.NodeID)
	}
	name := row.Name
	if name == "" {
		name = row.NodeID
	}
	return Spec{
		NodeID:         row.NodeID,
		Name:           name,
		Command:        command,
		WorkDir:        res.Resolve(strings.TrimSpace(row.Link)),
		ProcessingTime: row.ProcessingTimeEst,
	}, nil
}

// Journal records run lifecycles. *db.DB implements it.
type Journal interface {
	StartRun(nodeID, command, workingDir string) (string, error)
	FinishRun(id, status string, exitCode *int, output string) error
}

// Result is the outcome of one run.
type Result struct {
	RunID    string
	Status   string
	ExitCode int
	Duration time.Duration
	Output   string // tail of combined output
}

// Runner runs node commands through the shell.
type Runner struct {
	Stdout  io.Writer
	Stderr  io.Writer
	Timeout time.Duration
	Journal Journal // optional
	Log     *zap.Logger
}

// New returns a runner streaming to the process's stdout and stderr.
func New(journal Journal, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{Stdout: os.Stdout, Stderr: os.Stderr, Timeout: DefaultTimeout, Journal: journal, Log: log}
}

// Run executes spec and waits for it. A non-zero exit is reported in the
// Result, not as an error; errors mean the command could not be started.
func (r *Runner) Run(ctx context.Context, spec Spec) (*Result, error) {
	log := r.Log
	if log == nil {
		log = zap.NewNop()
	}
	if info, err := os.Stat(spec.WorkDir); err != nil || !info.IsDir() {
		log.Warn("working directory does not exist, attempting to run anyway", zap.String("dir", spec.WorkDir))
	}

	if r.Timeout > 0 && !spec.LongRunning() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	runID := r.startJournal(spec, log)

	tail := &tailBuffer{limit: outputTail}
	cmd := exec.CommandContext(ctx, "sh", "-c", spec.Command)
	cmd.Dir = spec.WorkDir
	cmd.Stdout = io.MultiWriter(writerOr(r.Stdout), tail)
	cmd.Stderr = io.MultiWriter(writerOr(r.Stderr), tail)
	// SIGTERM first, SIGKILL after the grace period.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 3 * time.Second

	start := time.Now()
	err := cmd.Run()
	res := &Result{RunID: runID, Duration: time.Since(start), Output: tail.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.Status = db.StatusSucceeded
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.Status = db.StatusTimeout
		res.ExitCode = -1
	case errors.As(err, &exitErr):
		res.Status = db.StatusFailed
		res.ExitCode = exitErr.ExitCode()
	default:
		r.finishJournal(runID, db.StatusFailed, nil, err.Error(), log)
		return nil, fmt.Errorf("running %s: %w", spec.NodeID, err)
	}

	code := res.ExitCode
	r.finishJournal(runID, res.Status, &code, res.Output, log)
	log.Info("node finished",
		zap.String("node_id", spec.NodeID),
		zap.String("status", res.Status),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration))
	return res, nil
}

func (r *Runner) startJournal(spec Spec, log *zap.Logger) string {
	if r.Journal == nil {
		return ""
	}
	id, err := r.Journal.StartRun(spec.NodeID, spec.Command, spec.WorkDir)
	if err != nil {
		log.Warn("journal unavailable", zap.Error(err))
		return ""
	}
	return id
}

func (r *Runner) finishJournal(id, status string, code *int, output string, log *zap.Logger) {
	if r.Journal == nil || id == "" {
		return
	}
	if err := r.Journal.FinishRun(id, status, code, output); err != nil {
		log.Warn("recording run outcome", zap.String("run_id", id), zap.Error(err))
	}
}

func writerOr(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
