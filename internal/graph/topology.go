package graph

import "sort"

// HubNode is a node many others depend on
type HubNode struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Degree    int    `json:"degree"`
	InDegree  int    `json:"in_degree"`
	OutDegree int    `json:"out_degree"`
}

// DegreeBucket is one bucket in the degree histogram
type DegreeBucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// DanglingRef is a parent reference to a node_id with no registry row
type DanglingRef struct {
	NodeID   string `json:"node_id"`
	ParentID string `json:"parent_id"`
}

// PipelineSummary is one root and the number of nodes under it
type PipelineSummary struct {
	RootID string `json:"root_id"`
	Name   string `json:"name"`
	Size   int    `json:"size"`
}

// TopologyReport contains topology analysis results
type TopologyReport struct {
	TotalNodes        int               `json:"total_nodes"`
	TotalEdges        int               `json:"total_edges"`
	NumComponents     int               `json:"num_components"`
	LargestComponent  int               `json:"largest_component"`
	SmallestComponent int               `json:"smallest_component"`
	OrphanCount       int               `json:"orphan_count"`
	OrphanIDs         []string          `json:"orphan_ids"`
	RootIDs           []string          `json:"root_ids"`
	Pipelines         []PipelineSummary `json:"pipelines"`
	CycleIDs          []string          `json:"cycle_ids"`
	Dangling          []DanglingRef     `json:"dangling"`
	DegreeHistogram   []DegreeBucket    `json:"degree_histogram"`
	Hubs              []HubNode         `json:"hubs"`
}

// ComputeTopology analyzes the dependency graph: components, orphans, roots,
// broken parent references, degree distribution and fan-out hubs
func ComputeTopology(snap *GraphSnapshot, hubThreshold, topN int) *TopologyReport {
	totalNodes := len(snap.Nodes)

	if totalNodes == 0 {
		return &TopologyReport{
			DegreeHistogram: defaultHistogram(),
		}
	}

	// Connected components via UnionFind
	nodeIDs := snap.NodeIDs()
	uf := NewUnionFind(nodeIDs)
	totalEdges := 0
	for _, e := range snap.Edges {
		if _, ok := snap.Nodes[e.Source]; !ok {
			continue
		}
		if _, ok := snap.Nodes[e.Target]; !ok {
			continue
		}
		totalEdges++
		uf.Union(e.Source, e.Target)
	}

	components := uf.Components()
	numComponents := len(components)
	largest, smallest := 0, totalNodes
	for _, c := range components {
		if len(c) > largest {
			largest = len(c)
		}
		if len(c) < smallest {
			smallest = len(c)
		}
	}

	// Orphans: degree == 0
	var orphans []string
	for _, id := range nodeIDs {
		if len(snap.Adj[id]) == 0 {
			orphans = append(orphans, id)
		}
	}
	orphanCount := len(orphans)
	if len(orphans) > topN {
		orphans = orphans[:topN]
	}

	// Roots start a pipeline: children but no parent in the registry
	var roots []string
	var cycles []string
	sizes := make(map[string]int)
	for _, id := range nodeIDs {
		if len(snap.InAdj[id]) == 0 && len(snap.OutAdj[id]) > 0 {
			roots = append(roots, id)
		}
		p := snap.Pipelines[id]
		if p == Unassigned {
			cycles = append(cycles, id)
			continue
		}
		sizes[p]++
	}
	var pipelines []PipelineSummary
	for _, id := range roots {
		pipelines = append(pipelines, PipelineSummary{RootID: id, Name: snap.Nodes[id].Name, Size: sizes[id]})
	}
	sort.SliceStable(pipelines, func(i, j int) bool { return pipelines[i].Size > pipelines[j].Size })

	var dangling []DanglingRef
	for _, id := range nodeIDs {
		if parent, ok := snap.Dangling[id]; ok {
			dangling = append(dangling, DanglingRef{NodeID: id, ParentID: parent})
		}
	}

	// Degree histogram (log-scale buckets)
	buckets := [7]int{}
	for _, id := range nodeIDs {
		degree := len(snap.Adj[id])
		buckets[degreeBucket(degree)]++
	}
	histogram := defaultHistogram()
	for i := range histogram {
		histogram[i].Count = buckets[i]
	}

	// Hubs: fan-out > threshold
	var hubs []HubNode
	for _, id := range nodeIDs {
		out := len(snap.OutAdj[id])
		if out > hubThreshold {
			hubs = append(hubs, HubNode{
				ID:        id,
				Name:      snap.Nodes[id].Name,
				Degree:    len(snap.Adj[id]),
				InDegree:  len(snap.InAdj[id]),
				OutDegree: out,
			})
		}
	}
	sort.SliceStable(hubs, func(i, j int) bool { return hubs[i].OutDegree > hubs[j].OutDegree })
	if len(hubs) > topN {
		hubs = hubs[:topN]
	}

	return &TopologyReport{
		TotalNodes:        totalNodes,
		TotalEdges:        totalEdges,
		NumComponents:     numComponents,
		LargestComponent:  largest,
		SmallestComponent: smallest,
		OrphanCount:       orphanCount,
		OrphanIDs:         orphans,
		RootIDs:           roots,
		Pipelines:         pipelines,
		CycleIDs:          cycles,
		Dangling:          dangling,
		DegreeHistogram:   histogram,
		Hubs:              hubs,
	}
}

func defaultHistogram() []DegreeBucket {
	return []DegreeBucket{
		{Label: "0"}, {Label: "1"}, {Label: "2-3"},
		{Label: "4-7"}, {Label: "8-15"}, {Label: "16-31"}, {Label: "32+"},
	}
}

func degreeBucket(degree int) int {
	switch {
	case degree == 0:
		return 0
	case degree == 1:
		return 1
	case degree <= 3:
		return 2
	case degree <= 7:
		return 3
	case degree <= 15:
		return 4
	case degree <= 31:
		return 5
	default:
		return 6
	}
}
