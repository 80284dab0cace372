package cmd

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"modelearth/pipeline/internal/db"
	"modelearth/pipeline/internal/failure"
	"modelearth/pipeline/internal/graph"
	"modelearth/pipeline/internal/registry"
)

func strPtr(s string) *string { return &s }

func writeRegistry(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "nodes.csv")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func readTable(t *testing.T, path string) *registry.Table {
	t.Helper()
	tbl, err := registry.ReadTable(path)
	if err != nil {
		t.Fatal(err)
	}
	return tbl
}

func TestPrintErrorBlock(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want []string
		skip string
	}{
		{
			name: "kinded error has no os details",
			err:  failure.Validation("NODE_ID is required for MANUAL_ROW_UPDATE"),
			want: []string{
				"[ERROR] ValidationError: NODE_ID is required for MANUAL_ROW_UPDATE\n",
				"[ERROR] cwd: /work\n",
				"[ERROR] argv: pipeline add-node --manual-row-update\n",
				"Error chain:\n",
			},
			skip: "os_error_details",
		},
		{
			name: "path error prints errno and filenames",
			err: failure.WrapIO("write registry", "/x/nodes.csv",
				&os.PathError{Op: "open", Path: "/x/nodes.csv", Err: os.ErrPermission}),
			want: []string{
				"[ERROR] PermissionError: write registry /x/nodes.csv",
				"os_error_details: errno=None filename=/x/nodes.csv filename2=None\n",
				"*failure.IOError",
				"*fs.PathError",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			printErrorBlock(&buf, tt.err, "/work", []string{"pipeline", "add-node", "--manual-row-update"})
			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("output missing %q:\n%s", w, out)
				}
			}
			if tt.skip != "" && strings.Contains(out, tt.skip) {
				t.Errorf("output should not contain %q:\n%s", tt.skip, out)
			}
		})
	}
}

func TestDiscoverRegistry(t *testing.T) {
	dir := t.TempDir()
	path := writeRegistry(t, dir, "node_id\n")

	t.Setenv("PIPELINE_NODES_CSV", path)
	got, err := DiscoverRegistry()
	if err != nil || got != path {
		t.Fatalf("env: got %q, %v", got, err)
	}

	t.Setenv("PIPELINE_NODES_CSV", "")
	nodesPath = filepath.Join(dir, "missing.csv")
	defer func() { nodesPath = "" }()
	if _, err := DiscoverRegistry(); err == nil {
		t.Error("a missing --nodes path should be an error")
	}

	nodesPath = path
	got, err = DiscoverRegistry()
	if err != nil || got != path {
		t.Fatalf("flag: got %q, %v", got, err)
	}
}

func TestJournalPath(t *testing.T) {
	reg := filepath.Join("x", "nodes.csv")
	t.Setenv("PIPELINE_DB", "")
	if got := JournalPath(reg); got != filepath.Join("x", db.FileName) {
		t.Errorf("default: %q", got)
	}
	dbPath = "custom.db"
	defer func() { dbPath = "" }()
	if got := JournalPath(reg); got != "custom.db" {
		t.Errorf("flag: %q", got)
	}
	t.Setenv("PIPELINE_DB", "env.db")
	if got := JournalPath(reg); got != "env.db" {
		t.Errorf("env: %q", got)
	}
}

const sampleRegistry = "node_id,name,type,order,processing_time_est,description,rate_limited,n8n_parallel_safe,api_keys_required,dependencies\n" +
	"naics,NAICS Fetch,fetch,2,slow,Downloads county business patterns,yes,no,none,\"pandas,requests\"\n" +
	"merge,Merge Years,transform,1,fast,,no,yes,CENSUS_KEY,\n" +
	"prep,Prep,fetch,1,Very_Slow,,,yes,,\n"

func TestPrintList(t *testing.T) {
	tbl := readTable(t, writeRegistry(t, t.TempDir(), sampleRegistry))
	var buf bytes.Buffer
	printList(&buf, tbl)
	out := buf.String()

	fetch := strings.Index(out, "\nFETCH:\n")
	transform := strings.Index(out, "\nTRANSFORM:\n")
	if fetch < 0 || transform < 0 || fetch > transform {
		t.Fatalf("types not grouped and sorted:\n%s", out)
	}
	prep := strings.Index(out, "[prep      ]")
	naics := strings.Index(out, "[naics     ]")
	if prep < 0 || naics < 0 || prep > naics {
		t.Errorf("rows within a type should follow order:\n%s", out)
	}
	if !strings.Contains(out, "            Downloads county business patterns\n") {
		t.Errorf("description line missing:\n%s", out)
	}
	if !strings.Contains(out, "Total: 3 pipeline nodes") {
		t.Errorf("total missing:\n%s", out)
	}
}

func TestPrintInfo(t *testing.T) {
	tbl := readTable(t, writeRegistry(t, t.TempDir(), sampleRegistry))

	row, _ := tbl.Find("naics")
	var buf bytes.Buffer
	printInfo(&buf, row)
	out := buf.String()
	for _, want := range []string{"Name:        NAICS Fetch\n", "Rate Limited:    yes\n", "  - pandas\n  - requests\n", "Folder Size:     unknown\n"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "API Keys Required") {
		t.Error("api keys of none should be hidden")
	}

	row, _ = tbl.Find("merge")
	buf.Reset()
	printInfo(&buf, row)
	if !strings.Contains(buf.String(), "API Keys Required:\n  - CENSUS_KEY\n") {
		t.Errorf("api keys missing:\n%s", buf.String())
	}
}

func TestPrintStatus(t *testing.T) {
	tbl := readTable(t, writeRegistry(t, t.TempDir(), sampleRegistry))
	finished := int64(66000)
	latest := map[string]db.Run{
		"naics": {NodeID: "naics", Status: db.StatusSucceeded, StartedAt: 1000, FinishedAt: &finished},
	}
	var buf bytes.Buffer
	printStatus(&buf, tbl, latest)
	out := buf.String()
	for _, want := range []string{
		"  fetch               :   2 nodes\n",
		"  very_slow :   1 nodes\n",
		"  Rate Limited:     1/3 nodes\n",
		"  Parallel Safe:    2/3 nodes\n",
		"  naics                succeeded  1m5s\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q:\n%s", want, out)
		}
	}
}

func TestPrintDeps(t *testing.T) {
	tbl := readTable(t, writeRegistry(t, t.TempDir(),
		"node_id,name,node_parent\nprep,Prep,\nfetch,Fetch,prep\nmerge,Merge,fetch\n"))
	wf := graph.Build(tbl.Rows, nil)

	row, _ := tbl.Find("fetch")
	var buf bytes.Buffer
	printDeps(&buf, row, wf)
	out := buf.String()
	if !strings.Contains(out, "runs before this node):\n  → Prep\n") || !strings.Contains(out, "runs after this node):\n  → Merge\n") {
		t.Errorf("unexpected chain:\n%s", out)
	}

	row, _ = tbl.Find("prep")
	buf.Reset()
	printDeps(&buf, row, wf)
	if !strings.Contains(buf.String(), "No upstream dependencies") {
		t.Errorf("root should have no upstream:\n%s", buf.String())
	}
}

func TestPrintHistory(t *testing.T) {
	code := 2
	var buf bytes.Buffer
	printHistory(&buf,
		[]db.Upsert{{NodeID: "new", MatchID: "old", Mode: "streaming", Columns: 9, Source: strPtr("x/fetch.py")}},
		[]db.Run{{NodeID: "new", Status: db.StatusFailed, Command: "python fetch.py", ExitCode: &code}})
	out := buf.String()
	for _, want := range []string{"updated  new (was old)  [streaming, 9 columns]  x/fetch.py", "failed", "exit=2", "in progress"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q:\n%s", want, out)
		}
	}
}

func TestHistoryRun(t *testing.T) {
	dir := t.TempDir()
	path := writeRegistry(t, dir, "node_id\nfetch\n")
	t.Setenv("PIPELINE_NODES_CSV", path)
	t.Setenv("PIPELINE_DB", filepath.Join(dir, "journal.db"))

	j, err := OpenJournal(path)
	if err != nil {
		t.Fatal(err)
	}
	id, err := j.StartRun("fetch", "python fetch.py", dir)
	if err != nil {
		t.Fatal(err)
	}
	code := 0
	if err := j.FinishRun(id, db.StatusSucceeded, &code, "rows: 12\n"); err != nil {
		t.Fatal(err)
	}
	j.Close()

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"history", "--run", id})
	t.Cleanup(func() {
		historyRun = ""
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	if err := rootCmd.Execute(); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"Run " + id, "Status:     succeeded", "Exit code:  0", "python fetch.py", "rows: 12"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q:\n%s", want, out)
		}
	}

	rootCmd.SetArgs([]string{"history", "--run", "missing"})
	if err := rootCmd.Execute(); err == nil || !strings.Contains(err.Error(), "no run missing") {
		t.Errorf("unknown run should fail, got %v", err)
	}
}

func TestAddNodeCommand(t *testing.T) {
	root := t.TempDir()
	toolDir := filepath.Join(root, "data-pipeline", "admin", "add")
	scripts := filepath.Join(root, "scripts")
	for _, d := range []string{toolDir, scripts} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	os.WriteFile(filepath.Join(toolDir, "config.yaml"), []byte("order: 4\n"), 0o644)
	os.WriteFile(filepath.Join(scripts, "fetch_b.py"), []byte("import requests\n"), 0o644)
	reg := writeRegistry(t, filepath.Join(root, "data-pipeline"), "node_id,name,order\nfetch_a,Fetch A,1\n")

	t.Setenv("PIPELINE_HOME", toolDir)
	t.Setenv("PIPELINE_WEBROOT", "")
	t.Setenv("PIPELINE_DB", "")

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs([]string{"add-node", "--source-python", "scripts/fetch_b.py"})
	defer rootCmd.SetArgs(nil)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("add-node: %v\n%s", err, errOut.String())
	}
	if !strings.Contains(out.String(), "[OK] Inserted node_id=scripts_fetch_b\n") {
		t.Errorf("unexpected report:\n%s", out.String())
	}

	row, ok := readTable(t, reg).Find("scripts_fetch_b")
	if !ok || row.Order != "4" || row.Dependencies != "requests" {
		t.Errorf("row = %+v", row)
	}

	j, err := db.OpenDB(filepath.Join(root, "data-pipeline", db.FileName))
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	ups, err := j.RecentUpserts("scripts_fetch_b", 5)
	if err != nil || len(ups) != 1 {
		t.Errorf("journaled upserts = %v, %v", ups, err)
	}

	// A failing run prints the diagnostic block and exits with status 1.
	out.Reset()
	errOut.Reset()
	rootCmd.SetArgs([]string{"add-node", "--manual-row-update"})
	err = rootCmd.Execute()
	var ee *exitError
	if !errors.As(err, &ee) || ee.code != 1 {
		t.Fatalf("want exit status 1, got %v", err)
	}
	if !strings.Contains(errOut.String(), "[ERROR] ValidationError:") {
		t.Errorf("stderr = %q", errOut.String())
	}
}
