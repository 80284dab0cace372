package nodesync

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelearth/pipeline/internal/config"
	"modelearth/pipeline/internal/db"
	"modelearth/pipeline/internal/failure"
	"modelearth/pipeline/internal/graph"
	"modelearth/pipeline/internal/registry"
)

// fixture lays out a webroot with the tool config under
// data-pipeline/admin/add and the registry under data-pipeline.
type fixture struct {
	root     string
	roots    config.Roots
	registry string
}

func newFixture(t *testing.T, toolConfig, nodesCSV string) *fixture {
	t.Helper()
	root := t.TempDir()
	toolDir := filepath.Join(root, "data-pipeline", "admin", "add")
	require.NoError(t, os.MkdirAll(toolDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(toolDir, "config.yaml"), []byte(toolConfig), 0o644))
	reg := filepath.Join(root, "data-pipeline", "nodes.csv")
	require.NoError(t, os.WriteFile(reg, []byte(nodesCSV), 0o644))
	return &fixture{root: root, roots: config.Roots{ToolDir: toolDir, Webroot: root}, registry: reg}
}

func (f *fixture) script(t *testing.T, rel, body string) {
	t.Helper()
	p := filepath.Join(f.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
}

func (f *fixture) sync(t *testing.T, overrides ...any) (*Report, error) {
	t.Helper()
	o := config.NewValues()
	for i := 0; i+1 < len(overrides); i += 2 {
		o.Set(overrides[i].(string), overrides[i+1])
	}
	return New(Options{Roots: f.roots, Overrides: o}).Sync(context.Background())
}

func (f *fixture) read(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(filepath.Dir(f.registry), name))
	require.NoError(t, err)
	return data
}

type fakeJournal struct {
	got []db.Upsert
	err error
}

func (j *fakeJournal) RecordUpsert(u db.Upsert) (*db.Upsert, error) {
	j.got = append(j.got, u)
	return &u, j.err
}

func (j *fakeJournal) Close() error { return nil }

func TestSync_DefaultsFromPath(t *testing.T) {
	f := newFixture(t, "SOURCE_PYTHON: scripts/fetch_b.py\n", "node_id,name,order\nfetch_a,Fetch A,1\n")
	f.script(t, "scripts/fetch_b.py", "import requests\nimport os\n")

	rep, err := f.sync(t)
	require.NoError(t, err)
	assert.True(t, rep.Inserted)
	assert.Equal(t, "scripts_fetch_b", rep.NodeID)
	assert.Equal(t, registry.ModeStreaming, rep.Mode)

	table, err := registry.ReadTable(f.registry)
	require.NoError(t, err)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, "fetch_a", table.Rows[0].NodeID)
	row := table.Rows[1]
	assert.Equal(t, "scripts_fetch_b", row.NodeID)
	assert.Equal(t, "Fetch B", row.Name)
	assert.Equal(t, "Runs fetch_b.py", row.Description)
	assert.Equal(t, "scripts", row.Link)
	assert.Equal(t, "python fetch_b.py", row.PythonCmds)
	assert.Equal(t, "requests", row.Dependencies)

	wf, err := graph.ReadWorkflow(filepath.Join(filepath.Dir(f.registry), graph.WorkflowFile))
	require.NoError(t, err)
	assert.Len(t, wf.Nodes, 3)
}

func TestSync_ReportLines(t *testing.T) {
	f := newFixture(t, "SOURCE_PYTHON: scripts/fetch_b.py\n", "node_id,name\n")
	f.script(t, "scripts/fetch_b.py", "import argparse\nimport requests\np = argparse.ArgumentParser()\np.add_argument('--out-dir')\n")

	rep, err := f.sync(t)
	require.NoError(t, err)
	var out bytes.Buffer
	rep.Print(&out)
	assert.Equal(t, ""+
		"[OK] Inserted node_id=scripts_fetch_b\n"+
		"[OK] nodes.csv: data-pipeline/nodes.csv\n"+
		"[OK] nodes.json: data-pipeline/nodes.json\n"+
		"[OK] mode: streaming\n"+
		"[OK] source analyzed: scripts/fetch_b.py\n"+
		"[OK] source config: not found\n"+
		"[OK] detected dependencies: requests\n"+
		"[OK] detected CLI flags: out_dir\n"+
		"[OK] columns preserved: 6\n", out.String())
}

func TestSync_Idempotent(t *testing.T) {
	f := newFixture(t, "SOURCE_PYTHON: scripts/fetch_b.py\norder: 3\n", "node_id,name,order\nfetch_a,Fetch A,1\nzeta,Zeta,\n")
	f.script(t, "scripts/fetch_b.py", "import pandas as pd\n")

	_, err := f.sync(t)
	require.NoError(t, err)
	csv1, json1 := f.read(t, "nodes.csv"), f.read(t, graph.WorkflowFile)

	rep, err := f.sync(t)
	require.NoError(t, err)
	assert.False(t, rep.Inserted)
	assert.Equal(t, string(csv1), string(f.read(t, "nodes.csv")))
	assert.Equal(t, string(json1), string(f.read(t, graph.WorkflowFile)))
}

func TestSync_InMemoryMatchesStreaming(t *testing.T) {
	const start = "node_id,name,order\r\nfetch_a,Fetch A,1\r\n"
	a := newFixture(t, "SOURCE_PYTHON: scripts/fetch_b.py\n", start)
	b := newFixture(t, "SOURCE_PYTHON: scripts/fetch_b.py\nREAD_ALL_NODES: true\n", start)
	a.script(t, "scripts/fetch_b.py", "import requests\n")
	b.script(t, "scripts/fetch_b.py", "import requests\n")

	ra, err := a.sync(t)
	require.NoError(t, err)
	rb, err := b.sync(t)
	require.NoError(t, err)
	assert.Equal(t, registry.ModeStreaming, ra.Mode)
	assert.Equal(t, registry.ModeInMemory, rb.Mode)
	assert.Equal(t, string(a.read(t, "nodes.csv")), string(b.read(t, "nodes.csv")))
}

func TestSync_ManualRequiresNodeID(t *testing.T) {
	const start = "node_id,name\nfetch_a,Fetch A\n"
	f := newFixture(t, "MANUAL_ROW_UPDATE: true\nname: Whatever\n", start)

	_, err := f.sync(t)
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.ErrValidation), "got %v", err)
	assert.Equal(t, start, string(f.read(t, "nodes.csv")))
	_, statErr := os.Stat(filepath.Join(filepath.Dir(f.registry), graph.WorkflowFile))
	assert.True(t, os.IsNotExist(statErr))
}

func TestSync_ManualRename(t *testing.T) {
	f := newFixture(t, "MANUAL_ROW_UPDATE: true\n", "node_id,name,order\nfetch_a,Fetch A,1\n")
	j := &fakeJournal{err: errors.New("disk full")}

	o := config.NewValues()
	o.Set("NODE_ID", "Fetch Alpha")
	o.Set("ORIGINAL_NODE_ID", " FETCH_A ")
	o.Set("DESCRIPTION", "Renamed")
	var opened string
	open := func(p string) (Journal, error) {
		opened = p
		return j, nil
	}
	rep, err := New(Options{Roots: f.roots, Overrides: o, OpenJournal: open}).Sync(context.Background())
	require.NoError(t, err, "a journal failure must not fail the sync")
	assert.False(t, rep.Inserted)

	table, err := registry.ReadTable(f.registry)
	require.NoError(t, err)
	require.Len(t, table.Rows, 1)
	assert.Equal(t, "fetch_alpha", table.Rows[0].NodeID)
	assert.Equal(t, "Fetch A", table.Rows[0].Name)
	assert.Equal(t, "Renamed", table.Rows[0].Description)

	assert.Equal(t, f.registry, opened)
	require.Len(t, j.got, 1)
	assert.Equal(t, "fetch_alpha", j.got[0].NodeID)
	assert.Equal(t, "fetch_a", j.got[0].MatchID)
	assert.Nil(t, j.got[0].Source)
}

func TestSync_Errors(t *testing.T) {
	t.Run("missing source setting", func(t *testing.T) {
		f := newFixture(t, "name: x\n", "node_id\n")
		_, err := f.sync(t)
		assert.True(t, errors.Is(err, failure.ErrConfiguration), "got %v", err)
	})
	t.Run("missing script", func(t *testing.T) {
		f := newFixture(t, "SOURCE_PYTHON: nope.py\n", "node_id\n")
		_, err := f.sync(t)
		assert.True(t, errors.Is(err, os.ErrNotExist), "got %v", err)
		assert.Equal(t, "FileNotFoundError", failure.KindOf(err))
	})
	t.Run("missing registry", func(t *testing.T) {
		f := newFixture(t, "SOURCE_PYTHON: x.py\n", "node_id\n")
		require.NoError(t, os.Remove(f.registry))
		_, err := f.sync(t)
		assert.True(t, errors.Is(err, os.ErrNotExist), "got %v", err)
	})
	t.Run("unparseable script", func(t *testing.T) {
		f := newFixture(t, "SOURCE_PYTHON: scripts/bad.py\n", "node_id\n")
		f.script(t, "scripts/bad.py", "def broken(:\n")
		_, err := f.sync(t)
		assert.True(t, errors.Is(err, failure.ErrSourceAnalysis), "got %v", err)
	})
	t.Run("registry without header", func(t *testing.T) {
		f := newFixture(t, "SOURCE_PYTHON: scripts/a.py\n", "")
		f.script(t, "scripts/a.py", "x = 1\n")
		_, err := f.sync(t)
		assert.True(t, errors.Is(err, failure.ErrSchema), "got %v", err)
	})
}

func TestSync_Descriptor(t *testing.T) {
	f := newFixture(t, "SOURCE_PYTHON: scripts/fetch_b.py\n", "node_id,name\n")
	f.script(t, "scripts/fetch_b.py", "import requests\n")
	f.script(t, "scripts/config.yaml", "NODES:\n  fetch_b:\n    node_id: census_fetch\n    name: Census Fetch\n    output_info: deps {detected_dependencies}\n")

	rep, err := f.sync(t)
	require.NoError(t, err)
	assert.Equal(t, "census_fetch", rep.NodeID)

	var out bytes.Buffer
	rep.Print(&out)
	assert.Contains(t, out.String(), "[OK] source config: scripts/config.yaml\n")

	table, err := registry.ReadTable(f.registry)
	require.NoError(t, err)
	row, ok := table.Find("census_fetch")
	require.True(t, ok)
	assert.Equal(t, "Census Fetch", row.Name)
	assert.Equal(t, "deps requests", row.OutputInfo)
}

func TestPermissionContext(t *testing.T) {
	base := &os.PathError{Op: "open", Path: "/x/nodes.json", Err: os.ErrPermission}
	err := permissionContext(failure.WrapIO("write graph", "/x/nodes.json", base), "/x/nodes.csv")
	var pe *PermissionError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "/x/nodes.json", pe.Path)
	assert.True(t, errors.Is(err, os.ErrPermission))
	assert.Contains(t, err.Error(), "Operation: upsert/sort/write")

	plain := errors.New("other")
	assert.Same(t, plain, permissionContext(plain, "/x"))
}
