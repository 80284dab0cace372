package graph

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"modelearth/pipeline/internal/failure"
	"modelearth/pipeline/internal/registry"
)

// File names written and read next to the registry.
const (
	WorkflowFile = "nodes.json"
	TemplateFile = "nodes-all.json"
)

// Node types understood by the workflow editor.
const (
	TypeTrigger = "n8n-nodes-base.manualTrigger"
	TypeCommand = "n8n-nodes-base.executeCommand"
)

const (
	gridColumns = 4
	gridX0      = 240
	gridY0      = 120
	gridDX      = 260
	gridDY      = 160
)

// Position is an editor canvas coordinate.
type Position [2]int

// Node is one box in the workflow editor.
type Node struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Type        string            `json:"type"`
	Position    Position          `json:"position"`
	Parameters  map[string]string `json:"parameters"`
	TypeVersion int               `json:"typeVersion"`
	Notes       *string           `json:"notes,omitempty"`
}

// Link points at a downstream node by display name.
type Link struct {
	Node  string `json:"node"`
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// Outputs lists the links leaving one node.
type Outputs struct {
	Main [][]Link `json:"main"`
}

// Connections maps a parent's display name to its outputs, keeping the order
// parents were first linked.
type Connections struct {
	names []string
	m     map[string]*Outputs
}

// Add links parent to child on the first main output.
func (c *Connections) Add(parent, child string) {
	if c.m == nil {
		c.m = make(map[string]*Outputs)
	}
	out, ok := c.m[parent]
	if !ok {
		out = &Outputs{Main: [][]Link{{}}}
		c.m[parent] = out
		c.names = append(c.names, parent)
	}
	out.Main[0] = append(out.Main[0], Link{Node: child, Type: "main", Index: 0})
}

// Parents returns the linked parent names in order.
func (c *Connections) Parents() []string {
	return append([]string(nil), c.names...)
}

// Children returns the names linked downstream of parent.
func (c *Connections) Children(parent string) []string {
	out, ok := c.m[parent]
	if !ok {
		return nil
	}
	var names []string
	for _, links := range out.Main {
		for _, l := range links {
			names = append(names, l.Node)
		}
	}
	return names
}

func (c Connections) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range c.names {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := marshal(name)
		if err != nil {
			return nil, err
		}
		val, err := marshal(c.m[name])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (c *Connections) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil {
		return err
	}
	*c = Connections{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		var out Outputs
		if err := dec.Decode(&out); err != nil {
			return err
		}
		name, _ := tok.(string)
		for _, links := range out.Main {
			for _, l := range links {
				c.Add(name, l.Node)
			}
		}
	}
	return nil
}

// Workflow is the editor document derived from the registry.
type Workflow struct {
	Nodes       []Node      `json:"nodes"`
	Connections Connections `json:"connections"`
}

// Find returns the node with the given display name.
func (w *Workflow) Find(name string) (Node, bool) {
	for _, n := range w.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return Node{}, false
}

// Trigger is the fixed start node every workflow begins with.
func Trigger() Node {
	return Node{
		ID:          "trigger",
		Name:        "Start Pipeline",
		Type:        TypeTrigger,
		Position:    Position{100, 300},
		Parameters:  map[string]string{},
		TypeVersion: 1,
	}
}

// GridPosition places the i-th registry row on a four-column grid.
func GridPosition(i int) Position {
	return Position{gridX0 + (i%gridColumns)*gridDX, gridY0 + (i/gridColumns)*gridDY}
}

// Build derives the workflow from registry rows. Known positions are reused by
// node_id; other nodes are placed by row index. Parent links are resolved
// through display names and dropped when either end has no name.
func Build(rows []registry.NodeRow, known map[string]Position) *Workflow {
	wf := &Workflow{Nodes: []Node{Trigger()}}
	nameByID := make(map[string]string, len(rows))

	for i, row := range rows {
		id := strings.TrimSpace(row.NodeID)
		if id == "" {
			continue
		}
		name := row.Name
		if name == "" {
			name = id
		}
		name = strings.TrimSpace(name)
		nameByID[id] = name

		pos, ok := known[id]
		if !ok {
			pos = GridPosition(i)
		}
		notes := Notes(row)
		wf.Nodes = append(wf.Nodes, Node{
			ID:       id,
			Name:     name,
			Type:     TypeCommand,
			Position: pos,
			Parameters: map[string]string{
				"command":          strings.TrimSpace(row.PythonCmds),
				"workingDirectory": WorkingDirectory(row.Link),
			},
			TypeVersion: 1,
			Notes:       &notes,
		})
	}

	// Links are keyed by display name, so renaming a node detaches the links
	// recorded against its old name in the editor.
	for _, row := range rows {
		child := strings.TrimSpace(row.NodeID)
		parent := row.ParentID()
		if child == "" || parent == "" {
			continue
		}
		parentName, childName := nameByID[parent], nameByID[child]
		if parentName == "" || childName == "" {
			continue
		}
		wf.Connections.Add(parentName, childName)
	}
	return wf
}

// WorkingDirectory converts a registry link into the editor's working
// directory, relative to data-pipeline.
func WorkingDirectory(link string) string {
	raw := strings.ReplaceAll(strings.TrimSpace(link), "\\", "/")
	return strings.TrimPrefix(raw, "data-pipeline/")
}

// Notes joins description, output info and processing time.
func Notes(row registry.NodeRow) string {
	var parts []string
	if row.Description != "" {
		parts = append(parts, strings.TrimSpace(row.Description))
	}
	if row.OutputInfo != "" {
		parts = append(parts, "Output: "+strings.TrimSpace(row.OutputInfo))
	}
	if row.ProcessingTimeEst != "" {
		parts = append(parts, "Processing time: "+strings.TrimSpace(row.ProcessingTimeEst))
	}
	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.TrimSpace(strings.Join(kept, ". "))
}

// LoadPositions indexes node positions from previously written workflow
// files. Earlier files win. Missing or malformed files contribute nothing.
func LoadPositions(paths ...string) map[string]Position {
	known := make(map[string]Position)
	for _, p := range paths {
		for id, pos := range readPositions(p) {
			if _, ok := known[id]; !ok {
				known[id] = pos
			}
		}
	}
	return known
}

func readPositions(path string) map[string]Position {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil
	}
	nodes, _ := doc["nodes"].([]any)
	out := make(map[string]Position)
	for _, raw := range nodes {
		n, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		xy, ok := n["position"].([]any)
		if !ok || len(xy) != 2 {
			continue
		}
		x, okX := xy[0].(float64)
		y, okY := xy[1].(float64)
		if !okX || !okY {
			continue
		}
		id := strings.TrimSpace(idText(n["id"]))
		if id != "" {
			out[id] = Position{int(x), int(y)}
		}
	}
	return out
}

func idText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}

// Regenerate rebuilds nodes.json next to the registry at registryPath.
func Regenerate(registryPath string) (*Workflow, error) {
	table, err := registry.ReadTable(registryPath)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(registryPath)
	out := filepath.Join(dir, WorkflowFile)
	known := LoadPositions(out, filepath.Join(dir, TemplateFile))

	wf := Build(table.Rows, known)
	if err := Write(out, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// Write replaces path with the workflow as indented JSON.
func Write(path string, wf *Workflow) error {
	data, err := Encode(wf)
	if err != nil {
		return err
	}
	return failure.WrapIO("write graph", path, os.WriteFile(path, data, 0o644))
}

// Encode renders the workflow with two-space indentation and a trailing
// newline.
func Encode(wf *Workflow) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(wf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadWorkflow loads a previously written workflow.
func ReadWorkflow(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, failure.WrapIO("read graph", path, err)
	}
	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, failure.Validation("parsing %s: %v", path, err)
	}
	return &wf, nil
}

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Chain lists the display names directly upstream and downstream of name.
func Chain(wf *Workflow, name string) (upstream, downstream []string) {
	for _, parent := range wf.Connections.Parents() {
		for _, child := range wf.Connections.Children(parent) {
			if child == name {
				upstream = append(upstream, parent)
			}
		}
	}
	return upstream, wf.Connections.Children(name)
}
