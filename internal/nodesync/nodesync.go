// Package nodesync registers one pipeline script in the node registry: it
// analyzes the script, maps the result onto a row, upserts the row, re-sorts
// the registry and regenerates the workflow graph.
package nodesync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"modelearth/pipeline/internal/config"
	"modelearth/pipeline/internal/db"
	"modelearth/pipeline/internal/failure"
	"modelearth/pipeline/internal/fields"
	"modelearth/pipeline/internal/graph"
	"modelearth/pipeline/internal/inspect"
	"modelearth/pipeline/internal/logging"
	"modelearth/pipeline/internal/registry"
)

// DefaultNodesCSV is where the registry sits relative to the tool config.
const DefaultNodesCSV = "../../nodes.csv"

// Journal records completed upserts. *db.DB implements it.
type Journal interface {
	RecordUpsert(u db.Upsert) (*db.Upsert, error)
	Close() error
}

// Options configure a Synchronizer.
type Options struct {
	Roots config.Roots
	// ConfigPath is the tool config; empty means Roots.DefaultConfigPath().
	ConfigPath string
	Overrides  *config.Values
	Fields     fields.Tables
	Python     inspect.Tables
	// NewInspector builds the script inspector; nil means tree-sitter Python.
	NewInspector func(includeLocal bool) inspect.Inspector
	// OpenJournal opens the journal for the registry at registryPath once
	// the registry is written. Nil disables journaling.
	OpenJournal func(registryPath string) (Journal, error)
	Log         *zap.Logger
}

// Synchronizer runs one registration.
type Synchronizer struct {
	opts   Options
	mapper *fields.Mapper
	log    *zap.Logger
}

// New returns a synchronizer. Zero-valued tables are replaced by the defaults.
func New(opts Options) *Synchronizer {
	log := logging.OrNop(opts.Log)
	if opts.Fields.ControlKeys == nil {
		opts.Fields = fields.DefaultTables()
	}
	if opts.Python.Stdlib == nil {
		opts.Python = inspect.DefaultPythonTables()
	}
	if opts.NewInspector == nil {
		tables := opts.Python
		opts.NewInspector = func(includeLocal bool) inspect.Inspector {
			return inspect.NewPython(tables, includeLocal, log)
		}
	}
	if opts.ConfigPath == "" {
		opts.ConfigPath = opts.Roots.DefaultConfigPath()
	}
	return &Synchronizer{opts: opts, mapper: fields.NewMapper(opts.Fields, log), log: log}
}

// Sync performs the registration and returns what it did.
func (s *Synchronizer) Sync(ctx context.Context) (*Report, error) {
	roots := s.opts.Roots
	cfg, err := config.Load(s.opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	cfg.Merge(s.opts.Overrides)

	resolver := config.NewResolver(filepath.Dir(s.opts.ConfigPath), roots.Webroot)
	nodesCSV := resolver.Resolve(config.Text(cfg.GetOr("NODES_CSV", DefaultNodesCSV)))
	manual := fields.Manual(cfg)

	var sourcePath string
	if raw := cfg.GetOr("SOURCE_PYTHON", nil); !config.IsBlank(raw) {
		sourcePath = resolver.Resolve(config.Text(raw))
	}

	if !exists(nodesCSV) {
		return nil, failure.WrapIO("nodes.csv not found", nodesCSV, fs.ErrNotExist)
	}
	if !manual {
		if sourcePath == "" {
			return nil, failure.Configuration("config.yaml must set SOURCE_PYTHON")
		}
		if !exists(sourcePath) {
			return nil, failure.WrapIO("source_python not found", sourcePath, fs.ErrNotExist)
		}
	}

	report := &Report{roots: roots, NodesCSV: nodesCSV, NodesJSON: filepath.Join(filepath.Dir(nodesCSV), graph.WorkflowFile)}
	in := fields.Input{Admin: cfg}

	switch {
	case !manual:
		includeLocal := config.Truthy(cfg.GetOr("INCLUDE_LOCAL_MODULES", cfg.GetOr("INCLUDE_LOCAL_MODULES_IN_DEPENDENCIES", false)))
		detected, err := inspect.Analyze(ctx, s.opts.NewInspector(includeLocal), sourcePath)
		if err != nil {
			return nil, err
		}
		source := roots.RelToWebroot(sourcePath)
		cfg.Set("SOURCE_PYTHON", source)
		in.Detected = detected
		in.Inferred = fields.Infer(roots.RelToWebroot(filepath.Dir(sourcePath)), filepath.Base(sourcePath), detected)
		report.Source = source
		report.Detected = detected

		report.SourceConfig = filepath.Join(filepath.Dir(sourcePath), "config.yaml")
		if exists(report.SourceConfig) {
			if in.Source, err = config.Load(report.SourceConfig); err != nil {
				return nil, err
			}
		}
		s.log.Debug("analyzed source",
			zap.String("source", source),
			zap.Strings("dependencies", detected.Dependencies),
			zap.Strings("flags", detected.Flags))
	case sourcePath != "" && exists(sourcePath):
		report.Source = roots.RelToWebroot(sourcePath)
		cfg.Set("SOURCE_PYTHON", report.Source)
	}

	updates, err := s.mapper.Build(in)
	if err != nil {
		return nil, err
	}

	matchID := updates.NodeID()
	if raw, ok := cfg.Get("ORIGINAL_NODE_ID"); ok && raw != nil {
		if id := registry.Normalize(config.Text(raw)); id != "" {
			matchID = id
		}
	}

	readAll := config.Truthy(cfg.GetOr("READ_ALL_NODES", cfg.GetOr("READ_ALL_EXISTING_NODES", false)))
	res, err := s.write(nodesCSV, updates, matchID, readAll)
	if err != nil {
		return nil, err
	}
	report.NodeID = updates.NodeID()
	report.Inserted = res.Inserted
	report.Mode = res.Mode
	report.Columns = len(res.Columns)

	s.journal(report, matchID)
	return report, nil
}

// write runs the upsert, sort and graph steps.
func (s *Synchronizer) write(nodesCSV string, updates *registry.Fields, matchID string, readAll bool) (*registry.Result, error) {
	res, err := registry.New(readAll).Upsert(nodesCSV, updates, matchID)
	if err == nil {
		err = registry.SortByOrder(nodesCSV)
	}
	if err == nil {
		_, err = graph.Regenerate(nodesCSV)
	}
	if err != nil {
		return nil, permissionContext(err, nodesCSV)
	}
	s.log.Info("registry updated",
		zap.String("node_id", updates.NodeID()),
		zap.String("mode", res.Mode),
		zap.Bool("inserted", res.Inserted))
	return res, nil
}

func (s *Synchronizer) journal(r *Report, matchID string) {
	if s.opts.OpenJournal == nil {
		return
	}
	j, err := s.opts.OpenJournal(r.NodesCSV)
	if err != nil {
		s.log.Warn("journal unavailable, registry already updated", zap.Error(err))
		return
	}
	defer j.Close()

	u := db.Upsert{NodeID: r.NodeID, MatchID: matchID, Mode: r.Mode, Inserted: r.Inserted, Columns: r.Columns}
	if r.Source != "" {
		src := r.Source
		u.Source = &src
	}
	if _, err := j.RecordUpsert(u); err != nil {
		s.log.Warn("recording upsert", zap.String("node_id", r.NodeID), zap.Error(err))
	}
}

// PermissionError annotates a denied write with the file and the step.
type PermissionError struct {
	Path string
	Err  error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("Permission denied while updating pipeline files. Path: %s. "+
		"Operation: upsert/sort/write nodes.csv or nodes.json. Original error: %v", e.Path, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

func permissionContext(err error, fallback string) error {
	if !errors.Is(err, fs.ErrPermission) {
		return err
	}
	path := fallback
	if d, ok := failure.OSDetailsOf(err); ok {
		switch {
		case d.Filename != "":
			path = d.Filename
		case d.Filename2 != "":
			path = d.Filename2
		}
	}
	return &PermissionError{Path: path, Err: err}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
