package graph

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"modelearth/pipeline/internal/registry"
)

func setupRegistry(t *testing.T, csv string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nodes.csv")
	if err := os.WriteFile(path, []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestGridPosition(t *testing.T) {
	cases := []struct {
		i    int
		want Position
	}{
		{0, Position{240, 120}},
		{3, Position{1020, 120}},
		{4, Position{240, 280}},
		{9, Position{500, 440}},
	}
	for _, c := range cases {
		if got := GridPosition(c.i); got != c.want {
			t.Errorf("GridPosition(%d) = %v, want %v", c.i, got, c.want)
		}
	}
}

func TestNotesAndWorkingDirectory(t *testing.T) {
	row := registry.NodeRow{Description: " Pulls data ", OutputInfo: "county csv", ProcessingTimeEst: "slow"}
	if got := Notes(row); got != "Pulls data. Output: county csv. Processing time: slow" {
		t.Errorf("notes = %q", got)
	}
	if got := Notes(registry.NodeRow{}); got != "" {
		t.Errorf("empty notes = %q", got)
	}
	if got := WorkingDirectory(` data-pipeline\industries\naics `); got != "industries/naics" {
		t.Errorf("working dir = %q", got)
	}
	if got := WorkingDirectory("other/data-pipeline/x"); got != "other/data-pipeline/x" {
		t.Errorf("only a leading prefix is stripped, got %q", got)
	}
}

func TestBuild_DropsUnknownParent(t *testing.T) {
	rows := []registry.NodeRow{
		{NodeID: "a", Name: "Alpha"},
		{NodeID: "b", Parent: "missing"},
	}
	wf := Build(rows, nil)
	if len(wf.Nodes) != 3 {
		t.Fatalf("expected trigger + 2 nodes, got %d", len(wf.Nodes))
	}
	if wf.Nodes[2].Name != "b" {
		t.Errorf("name should fall back to node_id, got %q", wf.Nodes[2].Name)
	}
	if len(wf.Connections.Parents()) != 0 {
		t.Errorf("link to a missing parent should be dropped, got %v", wf.Connections.Parents())
	}
}

func TestBuild_LinksByName(t *testing.T) {
	rows := []registry.NodeRow{
		{NodeID: "fetch", Name: "Fetch"},
		{NodeID: "", Name: "skipped"},
		{NodeID: "clean", Name: "Clean", Parent: "fetch"},
		{NodeID: "chart", Name: "Chart", Extra: map[string]string{"parent_node": "fetch"}},
	}
	wf := Build(rows, map[string]Position{"clean": {5, 6}})

	if wf.Nodes[0].ID != "trigger" {
		t.Errorf("trigger must come first")
	}
	if wf.Nodes[1].Position != (Position{240, 120}) {
		t.Errorf("fetch grid position = %v", wf.Nodes[1].Position)
	}
	if wf.Nodes[2].Position != (Position{5, 6}) {
		t.Errorf("known position should be reused, got %v", wf.Nodes[2].Position)
	}
	if wf.Nodes[3].Position != GridPosition(3) {
		t.Errorf("grid index should count skipped rows, got %v", wf.Nodes[3].Position)
	}
	if got := wf.Connections.Children("Fetch"); !reflect.DeepEqual(got, []string{"Clean", "Chart"}) {
		t.Errorf("children of Fetch = %v", got)
	}

	up, down := Chain(wf, "Clean")
	if !reflect.DeepEqual(up, []string{"Fetch"}) || len(down) != 0 {
		t.Errorf("chain of Clean = %v / %v", up, down)
	}
	up, down = Chain(wf, "Fetch")
	if len(up) != 0 || !reflect.DeepEqual(down, []string{"Clean", "Chart"}) {
		t.Errorf("chain of Fetch = %v / %v", up, down)
	}
}

func TestEncode_Golden(t *testing.T) {
	rows := []registry.NodeRow{
		{NodeID: "a", Name: "A & B", PythonCmds: "python a.py", Link: "data-pipeline/x"},
		{NodeID: "b", Name: "Bee", Parent: "a", Description: "d"},
	}
	data, err := Encode(Build(rows, nil))
	if err != nil {
		t.Fatal(err)
	}
	want := `{
  "nodes": [
    {
      "id": "trigger",
      "name": "Start Pipeline",
      "type": "n8n-nodes-base.manualTrigger",
      "position": [
        100,
        300
      ],
      "parameters": {},
      "typeVersion": 1
    },
    {
      "id": "a",
      "name": "A & B",
      "type": "n8n-nodes-base.executeCommand",
      "position": [
        240,
        120
      ],
      "parameters": {
        "command": "python a.py",
        "workingDirectory": "x"
      },
      "typeVersion": 1,
      "notes": ""
    },
    {
      "id": "b",
      "name": "Bee",
      "type": "n8n-nodes-base.executeCommand",
      "position": [
        500,
        120
      ],
      "parameters": {
        "command": "",
        "workingDirectory": ""
      },
      "typeVersion": 1,
      "notes": "d"
    }
  ],
  "connections": {
    "A & B": {
      "main": [
        [
          {
            "node": "Bee",
            "type": "main",
            "index": 0
          }
        ]
      ]
    }
  }
}
`
	if string(data) != want {
		t.Errorf("encoded workflow mismatch:\n%s", data)
	}
}

func TestConnections_OrderKept(t *testing.T) {
	var c Connections
	c.Add("Zed", "a")
	c.Add("Alpha", "b")
	c.Add("Zed", "c")
	data, err := marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), `{"Zed":`) {
		t.Errorf("insertion order lost: %s", data)
	}

	var back Connections
	if err := back.UnmarshalJSON(data); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(back.Parents(), []string{"Zed", "Alpha"}) {
		t.Errorf("round trip parents = %v", back.Parents())
	}
	if !reflect.DeepEqual(back.Children("Zed"), []string{"a", "c"}) {
		t.Errorf("round trip children = %v", back.Children("Zed"))
	}
}

func TestLoadPositions(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "nodes.json")
	second := filepath.Join(dir, "nodes-all.json")
	broken := filepath.Join(dir, "broken.json")
	os.WriteFile(first, []byte(`{"nodes":[{"id":"a","position":[1,2]},{"id":"bad","position":[1]},"junk"]}`), 0o644)
	os.WriteFile(second, []byte(`{"nodes":[{"id":"a","position":[9,9]},{"id":" b ","position":[3.7,4]}, {"id":7,"position":[0,0]}]}`), 0o644)
	os.WriteFile(broken, []byte(`{not json`), 0o644)

	got := LoadPositions(first, second, broken, filepath.Join(dir, "missing.json"))
	want := map[string]Position{"a": {1, 2}, "b": {3, 4}, "7": {0, 0}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("positions = %v, want %v", got, want)
	}
}

func TestRegenerate(t *testing.T) {
	path := setupRegistry(t, "node_id,name,node_parent,order\n"+
		"a,Alpha,,1\n"+
		"b,Beta,ghost,2\n"+
		"c,Gamma,a,3\n")
	dir := filepath.Dir(path)
	os.WriteFile(filepath.Join(dir, TemplateFile), []byte(`{"nodes":[{"id":"c","position":[700,700]}]}`), 0o644)
	os.WriteFile(filepath.Join(dir, WorkflowFile), []byte(`{"nodes":[{"id":"a","position":[11,22]}]}`), 0o644)

	wf, err := Regenerate(path)
	if err != nil {
		t.Fatal(err)
	}
	if wf.Nodes[1].Position != (Position{11, 22}) || wf.Nodes[3].Position != (Position{700, 700}) {
		t.Errorf("prior positions not carried: %v %v", wf.Nodes[1].Position, wf.Nodes[3].Position)
	}
	if wf.Nodes[2].ID != "b" {
		t.Errorf("node with dangling parent must still be emitted")
	}

	back, err := ReadWorkflow(filepath.Join(dir, WorkflowFile))
	if err != nil {
		t.Fatal(err)
	}
	if len(back.Nodes) != 4 {
		t.Errorf("written workflow has %d nodes", len(back.Nodes))
	}
	if !reflect.DeepEqual(back.Connections.Parents(), []string{"Alpha"}) {
		t.Errorf("written connections = %v", back.Connections.Parents())
	}

	// A second run reads its own output and is stable.
	first, _ := os.ReadFile(filepath.Join(dir, WorkflowFile))
	if _, err := Regenerate(path); err != nil {
		t.Fatal(err)
	}
	second, _ := os.ReadFile(filepath.Join(dir, WorkflowFile))
	if string(first) != string(second) {
		t.Error("regeneration is not idempotent")
	}
}
