package graph

import (
	"strings"

	"modelearth/pipeline/internal/registry"
)

// SnapshotFromTable loads a GraphSnapshot from registry rows. Each parent
// reference becomes an edge from the parent to the row.
func SnapshotFromTable(t *registry.Table) *GraphSnapshot {
	nodes := make([]*NodeInfo, 0, len(t.Rows))
	var edges []EdgeInfo
	seen := make(map[string]bool, len(t.Rows))
	for _, r := range t.Rows {
		id := strings.TrimSpace(r.NodeID)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		order, _ := r.Rank()
		n := &NodeInfo{
			ID:       id,
			Name:     strings.TrimSpace(r.Name),
			NodeType: strings.TrimSpace(r.Get(registry.ColType)),
			Order:    order,
		}
		if p := r.ParentID(); p != "" {
			parent := p
			n.ParentID = &parent
			edges = append(edges, EdgeInfo{Source: parent, Target: id})
		}
		nodes = append(nodes, n)
	}
	return NewSnapshot(nodes, edges)
}
