package execution

import (
	"testing"

	"loom/internal/graph"
)

func testGraph() ([]graph.Node, []graph.Edge) {
	nodes := []graph.Node{
		{ID: "start", Type: "start"},
		{ID: "work", Type: "httpRequest"},
		{ID: "mem", Type: "memory"},
	}
	edges := []graph.Edge{
		{Source: "start", Target: "work"},
		{Source: "mem", Target: "work", TargetHandle: "input-memory"},
	}
	return nodes, edges
}

func TestNewContextSkipsNonExecutableNodes(t *testing.T) {
	nodes, edges := testGraph()
	ec := NewContext("wf1", "sess1", nodes, edges)

	if ec.ExecutionID == "" {
		t.Fatal("execution ID not minted")
	}
	if ec.CurrentStatus() != StatusPending {
		t.Errorf("status = %s, want pending", ec.CurrentStatus())
	}
	if ec.NodeExecutionFor("start") == nil || ec.NodeExecutionFor("work") == nil {
		t.Fatal("executable nodes missing execution records")
	}
	if ec.NodeExecutionFor("mem") != nil {
		t.Error("config node must not get an execution record")
	}
}

func TestStatusTerminalSticky(t *testing.T) {
	ec := NewContext("wf1", "", nil, nil)
	ec.SetStatus(StatusRunning)
	if ec.StartedAt.IsZero() {
		t.Error("StartedAt should be stamped on running")
	}
	ec.SetStatus(StatusFailed)
	if ec.CompletedAt.IsZero() {
		t.Error("CompletedAt should be stamped on failure")
	}

	ec.SetStatus(StatusCompleted)
	if ec.CurrentStatus() != StatusFailed {
		t.Errorf("terminal status transitioned to %s", ec.CurrentStatus())
	}
}

func TestNodeStatusPredicates(t *testing.T) {
	for _, s := range []NodeStatus{NodeCompleted, NodeCached} {
		if !s.Succeeded() || !s.Settled() {
			t.Errorf("%s should be succeeded and settled", s)
		}
	}
	if NodeSkipped.Succeeded() {
		t.Error("skipped is not succeeded")
	}
	if !NodeSkipped.Settled() {
		t.Error("skipped is settled for downstream gating")
	}
	for _, s := range []NodeStatus{NodePending, NodeRunning, NodeFailed, NodeWaiting} {
		if s.Settled() {
			t.Errorf("%s should not be settled", s)
		}
	}
}

func TestOutputsAndCheckpoints(t *testing.T) {
	ec := NewContext("wf1", "", nil, nil)
	ec.SetOutput("a", map[string]any{"v": 1})
	ec.AddCheckpoint("a")
	ec.AddError("b", "boom", true)

	if out, ok := ec.Output("a"); !ok || out == nil {
		t.Error("output not stored")
	}
	copied := ec.OutputsCopy()
	copied["a"] = nil
	if out, _ := ec.Output("a"); out == nil {
		t.Error("OutputsCopy must not alias internal state")
	}
	if len(ec.Checkpoints) != 1 || ec.Checkpoints[0] != "a" {
		t.Errorf("checkpoints = %v", ec.Checkpoints)
	}
	if len(ec.Errors) != 1 || !ec.Errors[0].RetriesExhausted {
		t.Errorf("errors = %+v", ec.Errors)
	}
}

func TestStateRoundTrip(t *testing.T) {
	nodes, edges := testGraph()
	ec := NewContext("wf1", "sess1", nodes, edges)
	ec.SetStatus(StatusRunning)
	ec.WithLock(func() {
		rec := ec.NodeExecutions["start"]
		rec.Status = NodeCompleted
		rec.Output = map[string]any{"ok": true}
	})
	ec.SetOutput("start", map[string]any{"ok": true})
	ec.AddCheckpoint("start")

	state := ec.ToState()
	if state.ExecutionID != ec.ExecutionID || state.Status != "running" {
		t.Fatalf("state header = %+v", state)
	}
	if state.NodeCount != 3 || state.EdgeCount != 2 {
		t.Errorf("graph counts = %d/%d, want 3/2", state.NodeCount, state.EdgeCount)
	}

	restored := NewContext("wf1", "sess1", nodes, edges)
	restored.ApplyState(state)

	if restored.ExecutionID != ec.ExecutionID {
		t.Error("execution ID not restored")
	}
	if restored.CurrentStatus() != StatusRunning {
		t.Errorf("status = %s, want running", restored.CurrentStatus())
	}
	if rec := restored.NodeExecutionFor("start"); rec == nil || rec.Status != NodeCompleted {
		t.Errorf("start record = %+v", rec)
	}
	if rec := restored.NodeExecutionFor("work"); rec == nil || rec.Status != NodePending {
		t.Errorf("work record = %+v", rec)
	}
	if out, ok := restored.Output("start"); !ok {
		t.Error("outputs not restored")
	} else if m, _ := out.(map[string]any); m["ok"] != true {
		t.Errorf("restored output = %v", out)
	}
	if len(restored.Checkpoints) != 1 {
		t.Errorf("checkpoints = %v", restored.Checkpoints)
	}
}

func TestApplyStateDropsUnknownNodes(t *testing.T) {
	nodes, edges := testGraph()
	ec := NewContext("wf1", "", nodes, edges)
	state := ec.ToState()
	state.NodeExecutionsJSON = `{"ghost":{"node_id":"ghost","status":"completed"},"work":{"node_id":"work","status":"completed"}}`

	restored := NewContext("wf1", "", nodes, edges)
	restored.ApplyState(state)
	if restored.NodeExecutionFor("ghost") != nil {
		t.Error("record for a node absent from the graph must be dropped")
	}
	if rec := restored.NodeExecutionFor("work"); rec == nil || rec.Status != NodeCompleted {
		t.Errorf("work record = %+v", rec)
	}
}
