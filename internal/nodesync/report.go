package nodesync

import (
	"fmt"
	"io"
	"strings"

	"modelearth/pipeline/internal/config"
	"modelearth/pipeline/internal/inspect"
)

// Report summarizes one registration for the operator.
type Report struct {
	NodeID    string
	Inserted  bool
	Mode      string
	NodesCSV  string
	NodesJSON string
	// Source is the analyzed script relative to the webroot; empty in manual
	// mode without a script.
	Source string
	// SourceConfig is the sibling config.yaml looked for during analysis.
	SourceConfig string
	Detected     *inspect.Result
	Columns      int

	roots config.Roots
}

// Print writes the [OK] lines.
func (r *Report) Print(w io.Writer) {
	verb := "Updated"
	if r.Inserted {
		verb = "Inserted"
	}
	fmt.Fprintf(w, "[OK] %s node_id=%s\n", verb, r.NodeID)
	fmt.Fprintf(w, "[OK] nodes.csv: %s\n", r.roots.RelToWebroot(r.NodesCSV))
	fmt.Fprintf(w, "[OK] nodes.json: %s\n", r.roots.RelToWebroot(r.NodesJSON))
	fmt.Fprintf(w, "[OK] mode: %s\n", r.Mode)
	if r.Source != "" {
		fmt.Fprintf(w, "[OK] source analyzed: %s\n", r.Source)
	}
	if r.SourceConfig != "" {
		shown := "not found"
		if exists(r.SourceConfig) {
			shown = r.roots.RelToWebroot(r.SourceConfig)
		}
		fmt.Fprintf(w, "[OK] source config: %s\n", shown)
	}
	if r.Detected != nil && len(r.Detected.Dependencies) > 0 {
		fmt.Fprintf(w, "[OK] detected dependencies: %s\n", strings.Join(r.Detected.Dependencies, ", "))
	}
	if r.Detected != nil && len(r.Detected.Flags) > 0 {
		fmt.Fprintf(w, "[OK] detected CLI flags: %s\n", strings.Join(r.Detected.Flags, ", "))
	}
	fmt.Fprintf(w, "[OK] columns preserved: %d\n", r.Columns)
}
