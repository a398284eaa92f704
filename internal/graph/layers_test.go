package graph

import (
	"sort"
	"testing"
)

func node(id, nodeType string) Node {
	return Node{ID: id, Type: nodeType}
}

func edge(source, target string) Edge {
	return Edge{Source: source, Target: target}
}

func sortedLayers(a LayerAnalysis) [][]string {
	for _, layer := range a.Layers {
		sort.Strings(layer)
	}
	return a.Layers
}

func TestAnalyzeLayersDiamond(t *testing.T) {
	nodes := []Node{
		node("start", "start"),
		node("a", "httpRequest"),
		node("b", "httpRequest"),
		node("join", "console"),
	}
	edges := []Edge{
		edge("start", "a"),
		edge("start", "b"),
		edge("a", "join"),
		edge("b", "join"),
	}

	analysis := AnalyzeLayers(nodes, edges, nil)
	if len(analysis.Cycle) != 0 {
		t.Fatalf("unexpected cycle: %v", analysis.Cycle)
	}
	layers := sortedLayers(analysis)
	want := [][]string{{"start"}, {"a", "b"}, {"join"}}
	if len(layers) != len(want) {
		t.Fatalf("got %d layers %v, want %d", len(layers), layers, len(want))
	}
	for i := range want {
		if len(layers[i]) != len(want[i]) {
			t.Fatalf("layer %d = %v, want %v", i, layers[i], want[i])
		}
		for j := range want[i] {
			if layers[i][j] != want[i][j] {
				t.Errorf("layer %d = %v, want %v", i, layers[i], want[i])
			}
		}
	}
}

func TestAnalyzeLayersExcludesConfigNodes(t *testing.T) {
	nodes := []Node{
		node("start", "start"),
		node("mem", "memory"),
		node("agent", "aiAgent"),
	}
	edges := []Edge{
		edge("start", "agent"),
		{Source: "mem", Target: "agent", TargetHandle: "input-memory"},
	}

	analysis := AnalyzeLayers(nodes, edges, nil)
	for _, layer := range analysis.Layers {
		for _, id := range layer {
			if id == "mem" {
				t.Fatal("config node appeared in execution layers")
			}
		}
	}
	// The config edge must not delay the agent past layer 1.
	if len(analysis.Layers) != 2 {
		t.Fatalf("got %d layers %v, want 2", len(analysis.Layers), analysis.Layers)
	}
}

func TestAnalyzeLayersExcludesToolkitSubNodes(t *testing.T) {
	nodes := []Node{
		node("start", "start"),
		node("tk", "toolkit"),
		node("tool1", "httpRequest"),
		node("agent", "aiAgent"),
	}
	edges := []Edge{
		edge("start", "agent"),
		edge("tool1", "tk"),
		{Source: "tk", Target: "agent", TargetHandle: "input-tools"},
	}

	analysis := AnalyzeLayers(nodes, edges, nil)
	for _, layer := range analysis.Layers {
		for _, id := range layer {
			if id == "tool1" {
				t.Fatal("toolkit sub-node appeared in execution layers")
			}
		}
	}
}

func TestAnalyzeLayersCycle(t *testing.T) {
	nodes := []Node{
		node("start", "start"),
		node("a", "httpRequest"),
		node("b", "httpRequest"),
	}
	edges := []Edge{
		edge("start", "a"),
		edge("a", "b"),
		edge("b", "a"),
	}

	analysis := AnalyzeLayers(nodes, edges, nil)
	if len(analysis.Cycle) != 2 {
		t.Fatalf("cycle = %v, want [a b]", analysis.Cycle)
	}
	// The cycle members are still surfaced as the terminal layer.
	last := analysis.Layers[len(analysis.Layers)-1]
	if len(last) != 2 {
		t.Fatalf("terminal layer = %v, want cycle members", last)
	}
}

func TestDependencyEdgesDropsConfig(t *testing.T) {
	nodes := []Node{
		node("start", "start"),
		node("mem", "memory"),
		node("agent", "aiAgent"),
	}
	edges := []Edge{
		edge("start", "agent"),
		{Source: "mem", Target: "agent", TargetHandle: "input-memory"},
		edge("ghost", "agent"), // source not in node set
	}

	deps := DependencyEdges(nodes, edges)
	if len(deps) != 1 || deps[0].Source != "start" {
		t.Fatalf("DependencyEdges = %v, want only start->agent", deps)
	}
}

func TestToolkitSubNodes(t *testing.T) {
	nodes := []Node{
		node("tool1", "httpRequest"),
		node("tool2", "httpRequest"),
		node("tk", "toolkit"),
		node("sink", "console"),
	}
	edges := []Edge{
		edge("tool1", "tk"),
		edge("tool2", "tk"),
		edge("tool2", "sink"), // also feeds a regular node: not a pure sub-node
	}

	subs := ToolkitSubNodes(nodes, edges)
	if !subs["tool1"] {
		t.Error("tool1 should be a toolkit sub-node")
	}
	if subs["tool2"] {
		t.Error("tool2 feeds a non-toolkit node and should execute normally")
	}
}
