package graph

import (
	"loom/internal/logging"
)

// LayerAnalysis is the result of topologically layering a workflow graph.
type LayerAnalysis struct {
	// Layers holds node IDs grouped by dependency depth; layer 0 has no
	// dependencies.
	Layers [][]string
	// Cycle holds the node IDs that could not be layered because they form
	// one or more cycles. They are appended to Layers as a single terminal
	// layer so the executor can still fail them deterministically.
	Cycle []string
}

// DependencyEdges returns the edges that express execution dependency:
// config edges are dropped, as are edges originating from config nodes so
// that downstreams never wait for a node that does not execute.
func DependencyEdges(nodes []Node, edges []Edge) []Edge {
	types := make(map[string]string, len(nodes))
	for i := range nodes {
		types[nodes[i].ID] = nodes[i].Type
	}
	deps := make([]Edge, 0, len(edges))
	for _, e := range edges {
		if e.IsConfigEdge() {
			continue
		}
		if IsConfigType(types[e.Source]) {
			continue
		}
		if _, ok := types[e.Source]; !ok {
			continue
		}
		if _, ok := types[e.Target]; !ok {
			continue
		}
		deps = append(deps, e)
	}
	return deps
}

// AnalyzeLayers computes execution layers with Kahn's algorithm over the
// dependency edges. Config nodes and toolkit sub-nodes are excluded: config
// nodes never execute, and toolkit sub-nodes are enumerated by their toolkit
// at tool-invocation time.
//
// The very first layer is expected to contain only trigger nodes;
// non-trigger entry nodes are logged as a structural warning but permitted.
func AnalyzeLayers(nodes []Node, edges []Edge, logger logging.Logger) LayerAnalysis {
	logger = logging.OrNop(logger)

	subNodes := ToolkitSubNodes(nodes, edges)

	included := make(map[string]bool, len(nodes))
	types := make(map[string]string, len(nodes))
	for i := range nodes {
		n := &nodes[i]
		types[n.ID] = n.Type
		if IsConfigType(n.Type) || subNodes[n.ID] {
			continue
		}
		included[n.ID] = true
	}

	indegree := make(map[string]int, len(included))
	dependents := make(map[string][]string, len(included))
	for id := range included {
		indegree[id] = 0
	}
	for _, e := range DependencyEdges(nodes, edges) {
		if !included[e.Source] || !included[e.Target] {
			continue
		}
		indegree[e.Target]++
		dependents[e.Source] = append(dependents[e.Source], e.Target)
	}

	var analysis LayerAnalysis
	remaining := len(included)
	for remaining > 0 {
		var layer []string
		for id, deg := range indegree {
			if deg == 0 {
				layer = append(layer, id)
			}
		}
		if len(layer) == 0 {
			// Remaining nodes form a cycle; surface them as a single
			// terminal layer.
			for id := range indegree {
				analysis.Cycle = append(analysis.Cycle, id)
			}
			logger.Error("Layer analysis: cycle detected among %d nodes: %v", len(analysis.Cycle), analysis.Cycle)
			analysis.Layers = append(analysis.Layers, analysis.Cycle)
			return analysis
		}

		if len(analysis.Layers) == 0 {
			for _, id := range layer {
				if !IsTriggerType(types[id]) {
					logger.Warn("Layer analysis: entry node %q has type %q, expected a trigger type", id, types[id])
				}
			}
		}

		for _, id := range layer {
			delete(indegree, id)
			for _, dep := range dependents[id] {
				if _, ok := indegree[dep]; ok {
					indegree[dep]--
				}
			}
		}
		remaining -= len(layer)
		analysis.Layers = append(analysis.Layers, layer)
	}
	return analysis
}
