package engine

import (
	"loom/internal/execution"
	"loom/internal/graph"
)

// runState is the immutable structural view of one run: the executable nodes
// and the dependency edges between them. All mutable progress lives in the
// execution context.
type runState struct {
	nodes    []*graph.Node
	byID     map[string]*graph.Node
	incoming map[string][]graph.Edge
}

func newRunState(ec *execution.Context) *runState {
	run := &runState{
		byID:     make(map[string]*graph.Node),
		incoming: make(map[string][]graph.Edge),
	}
	for i := range ec.Nodes {
		n := &ec.Nodes[i]
		if ec.NodeExecutions[n.ID] == nil {
			// Config nodes and toolkit sub-nodes never execute.
			continue
		}
		run.nodes = append(run.nodes, n)
		run.byID[n.ID] = n
	}
	for _, e := range graph.DependencyEdges(ec.Nodes, ec.Edges) {
		if run.byID[e.Source] == nil || run.byID[e.Target] == nil {
			continue
		}
		run.incoming[e.Target] = append(run.incoming[e.Target], e)
	}
	return run
}

func (r *runState) node(id string) *graph.Node { return r.byID[id] }

func (r *runState) records() []*graph.Node { return r.nodes }

// nextTransitions reports which pending nodes are ready to schedule and which
// must be skipped. A node is ready when every upstream dependency has settled
// and at least one incoming edge is active: unconditional from a succeeded
// upstream, or conditional evaluating true against that upstream's output.
// When all upstreams settled but no edge is active (all conditions false, or
// every upstream was itself skipped), the node is skipped. Disabled nodes are
// skipped on first inspection.
func (r *runState) nextTransitions(ec *execution.Context) (ready, skipped []string) {
	statuses := make(map[string]execution.NodeStatus, len(r.nodes))
	ec.WithRLock(func() {
		for id, rec := range ec.NodeExecutions {
			statuses[id] = rec.Status
		}
	})

	for _, n := range r.nodes {
		if statuses[n.ID] != execution.NodePending {
			continue
		}
		if n.Disabled() {
			skipped = append(skipped, n.ID)
			continue
		}

		edges := r.incoming[n.ID]
		if len(edges) == 0 {
			ready = append(ready, n.ID)
			continue
		}

		settled := true
		active := false
		for _, e := range edges {
			src := statuses[e.Source]
			if !src.Settled() {
				settled = false
				break
			}
			if !src.Succeeded() {
				// Skipped upstream supplies nothing.
				continue
			}
			cond := e.Condition()
			if cond == nil {
				active = true
				continue
			}
			output, _ := ec.Output(e.Source)
			if cond.Evaluate(output) {
				active = true
			}
		}
		if !settled {
			continue
		}
		if active {
			ready = append(ready, n.ID)
		} else {
			skipped = append(skipped, n.ID)
		}
	}
	return ready, skipped
}

// upstreamOutputs gathers the outputs of the node's dependency sources. This
// is the input view hashed for the result cache.
func (r *runState) upstreamOutputs(ec *execution.Context, nodeID string) map[string]any {
	inputs := make(map[string]any)
	for _, e := range r.incoming[nodeID] {
		if out, ok := ec.Output(e.Source); ok {
			inputs[e.Source] = out
		}
	}
	return inputs
}

// progress is the fraction of executable nodes that have reached a terminal
// node status.
func (r *runState) progress(ec *execution.Context) float64 {
	if len(r.nodes) == 0 {
		return 1
	}
	done := 0
	ec.WithRLock(func() {
		for _, rec := range ec.NodeExecutions {
			switch rec.Status {
			case execution.NodeCompleted, execution.NodeCached, execution.NodeSkipped,
				execution.NodeFailed, execution.NodeCancelled:
				done++
			}
		}
	})
	return float64(done) / float64(len(r.nodes))
}
