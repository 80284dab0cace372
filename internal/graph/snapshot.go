package graph

import "sort"

// Unassigned is the pipeline of nodes whose parent chain loops or breaks.
const Unassigned = "unassigned"

// NodeInfo is a registry node reduced to what analysis needs
type NodeInfo struct {
	ID       string
	Name     string
	NodeType string
	Order    int
	ParentID *string
}

// EdgeInfo is a parent -> child dependency
type EdgeInfo struct {
	Source string
	Target string
}

// GraphSnapshot holds the dependency graph with precomputed adjacency lists
type GraphSnapshot struct {
	Nodes     map[string]*NodeInfo
	Edges     []EdgeInfo
	Adj       map[string][]string // undirected
	OutAdj    map[string][]string // parent -> children
	InAdj     map[string][]string // child -> parents
	Dangling  map[string]string   // node_id -> parent id with no row
	Pipelines map[string]string   // node_id -> root ancestor
}

// NewSnapshot builds a GraphSnapshot. Edges touching unknown nodes are kept
// in Edges for reporting but left out of the adjacency lists.
func NewSnapshot(nodes []*NodeInfo, edges []EdgeInfo) *GraphSnapshot {
	nodeMap := make(map[string]*NodeInfo, len(nodes))
	adj := make(map[string][]string)
	outAdj := make(map[string][]string)
	inAdj := make(map[string][]string)

	for _, n := range nodes {
		nodeMap[n.ID] = n
		adj[n.ID] = nil // ensure entry exists
		outAdj[n.ID] = nil
		inAdj[n.ID] = nil
	}

	for _, e := range edges {
		if _, ok := nodeMap[e.Source]; !ok {
			continue
		}
		if _, ok := nodeMap[e.Target]; !ok {
			continue
		}
		adj[e.Source] = append(adj[e.Source], e.Target)
		adj[e.Target] = append(adj[e.Target], e.Source)
		outAdj[e.Source] = append(outAdj[e.Source], e.Target)
		inAdj[e.Target] = append(inAdj[e.Target], e.Source)
	}

	dangling := make(map[string]string)
	for id, n := range nodeMap {
		if n.ParentID == nil {
			continue
		}
		if _, ok := nodeMap[*n.ParentID]; !ok {
			dangling[id] = *n.ParentID
		}
	}

	return &GraphSnapshot{
		Nodes:     nodeMap,
		Edges:     edges,
		Adj:       adj,
		OutAdj:    outAdj,
		InAdj:     inAdj,
		Dangling:  dangling,
		Pipelines: computePipelines(nodeMap),
	}
}

// FilterToPipeline returns a new snapshot containing rootID and its descendants
func (s *GraphSnapshot) FilterToPipeline(rootID string) *GraphSnapshot {
	included := make(map[string]bool)
	for id := range s.Nodes {
		isDescendantOf(id, rootID, s.Nodes, included, make(map[string]bool))
	}

	var filteredNodes []*NodeInfo
	filteredSet := make(map[string]bool)
	for _, id := range s.NodeIDs() {
		if included[id] {
			filteredNodes = append(filteredNodes, s.Nodes[id])
			filteredSet[id] = true
		}
	}

	var filteredEdges []EdgeInfo
	for _, e := range s.Edges {
		if filteredSet[e.Source] && filteredSet[e.Target] {
			filteredEdges = append(filteredEdges, e)
		}
	}

	return NewSnapshot(filteredNodes, filteredEdges)
}

// NodeIDs returns a sorted list of all node IDs (for deterministic output)
func (s *GraphSnapshot) NodeIDs() []string {
	ids := make([]string, 0, len(s.Nodes))
	for id := range s.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func isDescendantOf(nodeID, ancestorID string, nodes map[string]*NodeInfo, cache, visiting map[string]bool) bool {
	if nodeID == ancestorID {
		cache[nodeID] = true
		return true
	}
	if cached, ok := cache[nodeID]; ok {
		return cached
	}
	node, ok := nodes[nodeID]
	if !ok || node.ParentID == nil || visiting[nodeID] {
		cache[nodeID] = false
		return false
	}
	visiting[nodeID] = true
	result := isDescendantOf(*node.ParentID, ancestorID, nodes, cache, visiting)
	cache[nodeID] = result
	return result
}

func computePipelines(nodes map[string]*NodeInfo) map[string]string {
	pipelines := make(map[string]string, len(nodes))
	for id := range nodes {
		pipelines[id] = findRoot(id, nodes)
	}
	return pipelines
}

// findRoot follows parents up to a node without one. A parent that has no
// row ends the chain at the last known node.
func findRoot(nodeID string, nodes map[string]*NodeInfo) string {
	current := nodeID
	visited := make(map[string]bool)
	for {
		if visited[current] {
			return Unassigned // cycle
		}
		visited[current] = true
		node, ok := nodes[current]
		if !ok {
			return Unassigned
		}
		if node.ParentID == nil {
			return current
		}
		if _, ok := nodes[*node.ParentID]; !ok {
			return current
		}
		current = *node.ParentID
	}
}
