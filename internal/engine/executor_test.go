package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"loom/internal/cache"
	"loom/internal/execution"
	"loom/internal/graph"
	"loom/internal/node"
	"loom/internal/stores"
)

// testHarness bundles an engine executor with hooks for registering handlers
// and inspecting calls.
type testHarness struct {
	executor *Executor
	registry *node.Registry
	cache    *cache.MemoryCache
	dlq      *ActiveDLQ

	mu    sync.Mutex
	calls map[string]int
	order []string
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		registry: node.NewRegistry(),
		cache:    cache.NewMemoryCache(nil),
		calls:    make(map[string]int),
	}
	h.dlq = NewActiveDLQ(h.cache, nil)
	outputs := stores.NewMemoryOutputStore()
	nodeExec := node.NewExecutor(h.registry, stores.NewMemoryParameterStore(), outputs,
		stores.NewMemoryCredentialStore(), node.NewResolver(outputs, nil), node.Settings{}, nil)
	h.executor = New(nodeExec, h.cache, h.dlq, nil, nil, Settings{
		CacheResults: true,
		LockTimeout:  2 * time.Second,
	}, nil)
	return h
}

// record notes a handler invocation for call counting and ordering checks.
func (h *testHarness) record(nodeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls[nodeID]++
	h.order = append(h.order, nodeID)
}

func (h *testHarness) callCount(nodeID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[nodeID]
}

// registerEcho binds a handler that records the call and returns its static
// output, optionally sleeping first.
func (h *testHarness) registerEcho(nodeType string, output map[string]any, sleep time.Duration) {
	h.registry.Register(nodeType, func(ctx context.Context, req *node.Request) (map[string]any, error) {
		if sleep > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(sleep):
			}
		}
		h.record(req.NodeID)
		out := make(map[string]any, len(output))
		for k, v := range output {
			out[k] = v
		}
		return out, nil
	})
}

func triggerNode(id string) graph.Node {
	return graph.Node{
		ID:            id,
		Type:          "start",
		PreExecuted:   true,
		TriggerOutput: map[string]any{"node_id": id, "trigger_type": "manual"},
	}
}

func workNode(id, nodeType string, params map[string]any) graph.Node {
	data := map[string]any{}
	if params != nil {
		data["parameters"] = params
	}
	return graph.Node{ID: id, Type: nodeType, Data: data}
}

func condEdge(source, target, field, op string, value any) graph.Edge {
	return graph.Edge{
		Source: source,
		Target: target,
		Data:   &graph.EdgeData{Condition: &graph.Condition{Field: field, Operator: op, Value: value}},
	}
}

func nodeStatus(ec *execution.Context, id string) execution.NodeStatus {
	rec := ec.NodeExecutionFor(id)
	if rec == nil {
		return ""
	}
	var s execution.NodeStatus
	ec.WithRLock(func() { s = rec.Status })
	return s
}

func TestExecuteLinearRun(t *testing.T) {
	h := newHarness(t)
	h.registerEcho("work", map[string]any{"ok": true}, 0)

	nodes := []graph.Node{triggerNode("start"), workNode("a", "work", nil), workNode("b", "work", nil)}
	edges := []graph.Edge{{Source: "start", Target: "a"}, {Source: "a", Target: "b"}}
	ec := execution.NewContext("wf1", "sess", nodes, edges)

	if err := h.executor.Execute(context.Background(), ec); err != nil {
		t.Fatal(err)
	}
	if ec.CurrentStatus() != execution.StatusCompleted {
		t.Fatalf("status = %s", ec.CurrentStatus())
	}
	for _, id := range []string{"a", "b"} {
		if nodeStatus(ec, id) != execution.NodeCompleted {
			t.Errorf("node %s = %s", id, nodeStatus(ec, id))
		}
	}
	if nodeStatus(ec, "start") != execution.NodeCompleted {
		t.Errorf("pre-executed trigger = %s", nodeStatus(ec, "start"))
	}
	// Checkpoints record actual completion order: start first, then a, then b.
	if len(ec.Checkpoints) != 3 || ec.Checkpoints[0] != "start" || ec.Checkpoints[2] != "b" {
		t.Errorf("checkpoints = %v", ec.Checkpoints)
	}
	if out, ok := ec.Output("b"); !ok || out.(map[string]any)["ok"] != true {
		t.Errorf("output b = %v", out)
	}

	// Terminal state persisted and out of the active set.
	state := h.cache.LoadExecutionState(context.Background(), ec.ExecutionID)
	if state == nil || state.Status != "completed" {
		t.Fatalf("persisted state = %+v", state)
	}
	if len(h.cache.ActiveExecutions(context.Background())) != 0 {
		t.Error("completed run still in active set")
	}
}

func TestExecuteContinuousScheduling(t *testing.T) {
	h := newHarness(t)
	// slow holds its branch open; fast's dependent must not wait for it.
	h.registerEcho("slow", map[string]any{"ok": true}, 300*time.Millisecond)
	h.registerEcho("fast", map[string]any{"ok": true}, 0)

	var mu sync.Mutex
	var afterFastDone, slowDone time.Time
	h.registry.Register("mark", func(ctx context.Context, req *node.Request) (map[string]any, error) {
		mu.Lock()
		afterFastDone = time.Now()
		mu.Unlock()
		h.record(req.NodeID)
		return map[string]any{}, nil
	})
	h.registry.Register("slowmark", func(ctx context.Context, req *node.Request) (map[string]any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(300 * time.Millisecond):
		}
		mu.Lock()
		slowDone = time.Now()
		mu.Unlock()
		h.record(req.NodeID)
		return map[string]any{}, nil
	})

	nodes := []graph.Node{
		triggerNode("start"),
		workNode("slow", "slowmark", nil),
		workNode("fast", "fast", nil),
		workNode("afterFast", "mark", nil),
		workNode("join", "fast", nil),
	}
	edges := []graph.Edge{
		{Source: "start", Target: "slow"},
		{Source: "start", Target: "fast"},
		{Source: "fast", Target: "afterFast"},
		{Source: "slow", Target: "join"},
		{Source: "afterFast", Target: "join"},
	}
	ec := execution.NewContext("wf1", "sess", nodes, edges)
	if err := h.executor.Execute(context.Background(), ec); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !afterFastDone.Before(slowDone) {
		t.Error("dependent of the fast branch waited for the slow branch")
	}
	// The join ran once, after both branches.
	if h.callCount("join") != 1 {
		t.Errorf("join ran %d times", h.callCount("join"))
	}
	if ec.CurrentStatus() != execution.StatusCompleted {
		t.Errorf("status = %s", ec.CurrentStatus())
	}
}

func TestExecuteConditionalRouting(t *testing.T) {
	h := newHarness(t)
	h.registerEcho("check", map[string]any{"status": "ok"}, 0)
	h.registerEcho("work", map[string]any{"done": true}, 0)

	nodes := []graph.Node{
		triggerNode("start"),
		workNode("check", "check", nil),
		workNode("yes", "work", nil),
		workNode("no", "work", nil),
		workNode("afterNo", "work", nil),
		workNode("merge", "work", nil),
	}
	edges := []graph.Edge{
		{Source: "start", Target: "check"},
		condEdge("check", "yes", "status", "eq", "ok"),
		condEdge("check", "no", "status", "eq", "fail"),
		{Source: "no", Target: "afterNo"},
		{Source: "yes", Target: "merge"},
		{Source: "no", Target: "merge"},
	}
	ec := execution.NewContext("wf1", "sess", nodes, edges)
	if err := h.executor.Execute(context.Background(), ec); err != nil {
		t.Fatal(err)
	}

	if nodeStatus(ec, "yes") != execution.NodeCompleted {
		t.Errorf("yes = %s", nodeStatus(ec, "yes"))
	}
	if nodeStatus(ec, "no") != execution.NodeSkipped {
		t.Errorf("no = %s", nodeStatus(ec, "no"))
	}
	// Skips cascade: a node whose only upstream was skipped is skipped too.
	if nodeStatus(ec, "afterNo") != execution.NodeSkipped {
		t.Errorf("afterNo = %s", nodeStatus(ec, "afterNo"))
	}
	// A fan-in with one active and one skipped upstream still runs.
	if nodeStatus(ec, "merge") != execution.NodeCompleted {
		t.Errorf("merge = %s", nodeStatus(ec, "merge"))
	}
	if h.callCount("no") != 0 || h.callCount("afterNo") != 0 {
		t.Error("skipped nodes must not execute")
	}
	if ec.CurrentStatus() != execution.StatusCompleted {
		t.Errorf("status = %s, skips are not failures", ec.CurrentStatus())
	}
}

func TestExecuteRetryThenDLQ(t *testing.T) {
	h := newHarness(t)
	h.registry.Register("flaky", func(ctx context.Context, req *node.Request) (map[string]any, error) {
		h.record(req.NodeID)
		return nil, fmt.Errorf("server error 503 from upstream")
	})
	h.registerEcho("work", map[string]any{}, 0)

	retryParams := map[string]any{
		"retryPolicy": map[string]any{
			"max_attempts":  float64(2),
			"initial_delay": 0.001,
		},
	}
	nodes := []graph.Node{
		triggerNode("start"),
		workNode("broken", "flaky", retryParams),
		workNode("downstream", "work", nil),
	}
	edges := []graph.Edge{{Source: "start", Target: "broken"}, {Source: "broken", Target: "downstream"}}
	ec := execution.NewContext("wf1", "sess", nodes, edges)

	err := h.executor.Execute(context.Background(), ec)
	if err == nil {
		t.Fatal("failed run must return an error")
	}
	if ec.CurrentStatus() != execution.StatusFailed {
		t.Fatalf("status = %s", ec.CurrentStatus())
	}
	if got := h.callCount("broken"); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
	if nodeStatus(ec, "broken") != execution.NodeFailed {
		t.Errorf("broken = %s", nodeStatus(ec, "broken"))
	}
	// Downstream of the failure is cancelled, not failed.
	if nodeStatus(ec, "downstream") != execution.NodeCancelled {
		t.Errorf("downstream = %s", nodeStatus(ec, "downstream"))
	}

	if len(ec.Errors) != 1 || !ec.Errors[0].RetriesExhausted {
		t.Errorf("errors = %+v", ec.Errors)
	}

	entries := h.dlq.Entries(context.Background(), cache.DLQFilter{WorkflowID: "wf1"})
	if len(entries) != 1 {
		t.Fatalf("dlq entries = %d, want 1", len(entries))
	}
	entry := entries[0]
	if entry.NodeID != "broken" || entry.RetryCount != 2 {
		t.Errorf("entry = %+v", entry)
	}
	if !strings.Contains(entry.Error, "503") {
		t.Errorf("entry error = %q", entry.Error)
	}
}

func TestExecuteFailureWithParallelSibling(t *testing.T) {
	h := newHarness(t)
	h.registry.Register("broken", func(ctx context.Context, req *node.Request) (map[string]any, error) {
		h.record(req.NodeID)
		return nil, fmt.Errorf("invalid configuration")
	})
	// The sibling is mid-flight when the failure aborts the run; its
	// collateral cancellation must not change the terminal status.
	h.registerEcho("slow", map[string]any{"ok": true}, 500*time.Millisecond)

	nodes := []graph.Node{
		triggerNode("start"),
		workNode("b", "broken", nil),
		workNode("c", "slow", nil),
	}
	edges := []graph.Edge{{Source: "start", Target: "b"}, {Source: "start", Target: "c"}}
	ec := execution.NewContext("wf1", "sess", nodes, edges)

	err := h.executor.Execute(context.Background(), ec)
	if err == nil {
		t.Fatal("failed run must return an error")
	}
	if !strings.Contains(err.Error(), "failed") || !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("err = %v, want the node failure", err)
	}
	if ec.CurrentStatus() != execution.StatusFailed {
		t.Fatalf("status = %s, want failed", ec.CurrentStatus())
	}
	if nodeStatus(ec, "b") != execution.NodeFailed {
		t.Errorf("b = %s", nodeStatus(ec, "b"))
	}
	if nodeStatus(ec, "c") != execution.NodeCancelled {
		t.Errorf("c = %s", nodeStatus(ec, "c"))
	}
}

func TestExecutePermanentErrorNoRetry(t *testing.T) {
	h := newHarness(t)
	h.registry.Register("broken", func(ctx context.Context, req *node.Request) (map[string]any, error) {
		h.record(req.NodeID)
		return nil, fmt.Errorf("invalid configuration")
	})

	nodes := []graph.Node{triggerNode("start"), workNode("n", "broken", nil)}
	edges := []graph.Edge{{Source: "start", Target: "n"}}
	ec := execution.NewContext("wf1", "sess", nodes, edges)

	if err := h.executor.Execute(context.Background(), ec); err == nil {
		t.Fatal("expected failure")
	}
	if got := h.callCount("n"); got != 1 {
		t.Errorf("non-retryable error ran %d attempts, want 1", got)
	}
	// Budget not exhausted by a permanent error.
	if len(ec.Errors) != 1 || ec.Errors[0].RetriesExhausted {
		t.Errorf("errors = %+v", ec.Errors)
	}
}

func TestExecuteResultCacheIdempotence(t *testing.T) {
	h := newHarness(t)
	h.registerEcho("work", map[string]any{"v": 42}, 0)

	nodes := []graph.Node{triggerNode("start"), workNode("a", "work", nil)}
	edges := []graph.Edge{{Source: "start", Target: "a"}}

	first := execution.NewContext("wf1", "sess", nodes, edges)
	if err := h.executor.Execute(context.Background(), first); err != nil {
		t.Fatal(err)
	}
	if h.callCount("a") != 1 {
		t.Fatalf("calls = %d", h.callCount("a"))
	}

	// Same execution ID and same inputs: the handler must not run again.
	second := execution.NewContext("wf1", "sess", nodes, edges)
	second.ExecutionID = first.ExecutionID
	if err := h.executor.Execute(context.Background(), second); err != nil {
		t.Fatal(err)
	}
	if h.callCount("a") != 1 {
		t.Errorf("cached node re-executed: calls = %d", h.callCount("a"))
	}
	if nodeStatus(second, "a") != execution.NodeCached {
		t.Errorf("a = %s, want cached", nodeStatus(second, "a"))
	}
	if out, ok := second.Output("a"); !ok || out.(map[string]any)["v"] != 42 {
		t.Errorf("cached output = %v", out)
	}
}

func TestExecuteDisabledNodeSkipped(t *testing.T) {
	h := newHarness(t)
	h.registerEcho("work", map[string]any{}, 0)

	disabled := workNode("off", "work", nil)
	disabled.Data["disabled"] = true
	nodes := []graph.Node{triggerNode("start"), disabled, workNode("after", "work", nil)}
	edges := []graph.Edge{{Source: "start", Target: "off"}, {Source: "off", Target: "after"}}
	ec := execution.NewContext("wf1", "sess", nodes, edges)

	if err := h.executor.Execute(context.Background(), ec); err != nil {
		t.Fatal(err)
	}
	if nodeStatus(ec, "off") != execution.NodeSkipped {
		t.Errorf("off = %s", nodeStatus(ec, "off"))
	}
	if nodeStatus(ec, "after") != execution.NodeSkipped {
		t.Errorf("after = %s", nodeStatus(ec, "after"))
	}
	if h.callCount("off") != 0 {
		t.Error("disabled node executed")
	}
}

func TestExecuteCycleFailsStructurally(t *testing.T) {
	h := newHarness(t)
	h.registerEcho("work", map[string]any{}, 0)

	nodes := []graph.Node{triggerNode("start"), workNode("a", "work", nil), workNode("b", "work", nil)}
	edges := []graph.Edge{
		{Source: "start", Target: "a"},
		{Source: "a", Target: "b"},
		{Source: "b", Target: "a"},
	}
	ec := execution.NewContext("wf1", "sess", nodes, edges)

	err := h.executor.Execute(context.Background(), ec)
	if err == nil {
		t.Fatal("cyclic graph must fail the run")
	}
	if ec.CurrentStatus() != execution.StatusFailed {
		t.Fatalf("status = %s", ec.CurrentStatus())
	}
	for _, id := range []string{"a", "b"} {
		rec := ec.NodeExecutionFor(id)
		if rec.Status != execution.NodeFailed {
			t.Errorf("cycle node %s = %s", id, rec.Status)
		}
	}
	if h.callCount("a")+h.callCount("b") != 0 {
		t.Error("cycle members must never execute")
	}
}

func TestExecuteCancellation(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	h.registry.Register("blocker", func(ctx context.Context, req *node.Request) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	nodes := []graph.Node{triggerNode("start"), workNode("block", "blocker", nil)}
	edges := []graph.Edge{{Source: "start", Target: "block"}}
	ec := execution.NewContext("wf1", "sess", nodes, edges)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	err := h.executor.Execute(ctx, ec)
	if err == nil {
		t.Fatal("cancelled run must return an error")
	}
	if ec.CurrentStatus() != execution.StatusCancelled {
		t.Fatalf("status = %s", ec.CurrentStatus())
	}
	if nodeStatus(ec, "block") != execution.NodeCancelled {
		t.Errorf("block = %s", nodeStatus(ec, "block"))
	}
}

func TestRecoverExecution(t *testing.T) {
	h := newHarness(t)
	h.registerEcho("work", map[string]any{"ok": true}, 0)

	nodes := []graph.Node{triggerNode("start"), workNode("a", "work", nil), workNode("b", "work", nil)}
	edges := []graph.Edge{{Source: "start", Target: "a"}, {Source: "a", Target: "b"}}

	// Simulate an interrupted run: trigger settled, a was mid-flight.
	interrupted := execution.NewContext("wf1", "sess", nodes, edges)
	interrupted.SetStatus(execution.StatusRunning)
	interrupted.WithLock(func() {
		interrupted.NodeExecutions["start"].Status = execution.NodeCompleted
		interrupted.NodeExecutions["a"].Status = execution.NodeRunning
	})
	interrupted.SetOutput("start", map[string]any{"trigger_type": "manual"})
	if err := h.cache.SaveExecutionState(context.Background(), interrupted.ToState()); err != nil {
		t.Fatal(err)
	}

	recovered, err := h.executor.RecoverExecution(context.Background(), interrupted.ExecutionID, nodes, edges)
	if err != nil {
		t.Fatal(err)
	}
	if recovered.ExecutionID != interrupted.ExecutionID {
		t.Error("recovery minted a new execution ID")
	}
	if recovered.CurrentStatus() != execution.StatusCompleted {
		t.Fatalf("status = %s", recovered.CurrentStatus())
	}
	// The interrupted node was re-run, the downstream completed.
	if h.callCount("a") != 1 || h.callCount("b") != 1 {
		t.Errorf("calls = a:%d b:%d", h.callCount("a"), h.callCount("b"))
	}
}

func TestRecoverExecutionFilteredSubgraph(t *testing.T) {
	h := newHarness(t)
	h.registerEcho("work", map[string]any{"ok": true}, 0)

	// Two independent trigger branches; the interrupted run fired from t1 and
	// executed only its filtered subgraph.
	nodes := []graph.Node{
		{ID: "t1", Type: "start"},
		workNode("a", "work", nil),
		{ID: "t2", Type: "webhookTrigger"},
		workNode("z", "work", nil),
	}
	edges := []graph.Edge{{Source: "t1", Target: "a"}, {Source: "t2", Target: "z"}}

	fnodes, fedges := graph.FilterForTrigger(nodes, edges, "t1", map[string]any{"trigger_type": "manual"})
	interrupted := execution.NewContext("wf1", "sess", fnodes, fedges)
	interrupted.SetStatus(execution.StatusRunning)
	interrupted.WithLock(func() {
		interrupted.NodeExecutions["t1"].Status = execution.NodeCompleted
		interrupted.NodeExecutions["a"].Status = execution.NodeRunning
	})
	interrupted.SetOutput("t1", map[string]any{"trigger_type": "manual"})
	if err := h.cache.SaveExecutionState(context.Background(), interrupted.ToState()); err != nil {
		t.Fatal(err)
	}

	// Recovery re-supplies the full deployed graph; the run must resume its
	// own subgraph and never execute the other trigger's branch.
	recovered, err := h.executor.RecoverExecution(context.Background(), interrupted.ExecutionID, nodes, edges)
	if err != nil {
		t.Fatal(err)
	}
	if recovered.CurrentStatus() != execution.StatusCompleted {
		t.Fatalf("status = %s", recovered.CurrentStatus())
	}
	if h.callCount("a") != 1 {
		t.Errorf("a ran %d times, want 1", h.callCount("a"))
	}
	if h.callCount("z") != 0 {
		t.Error("node outside the interrupted run executed")
	}
	for _, id := range []string{"t2", "z"} {
		if nodeStatus(recovered, id) != execution.NodeSkipped {
			t.Errorf("%s = %s, want skipped", id, nodeStatus(recovered, id))
		}
	}
}

func TestRecoverExecutionTerminalState(t *testing.T) {
	h := newHarness(t)
	nodes := []graph.Node{triggerNode("start")}

	done := execution.NewContext("wf1", "sess", nodes, nil)
	done.SetStatus(execution.StatusRunning)
	done.SetStatus(execution.StatusCompleted)
	if err := h.cache.SaveExecutionState(context.Background(), done.ToState()); err != nil {
		t.Fatal(err)
	}

	if _, err := h.executor.RecoverExecution(context.Background(), done.ExecutionID, nodes, nil); err == nil {
		t.Fatal("terminal execution must not be recovered")
	}
}

func TestRecoverExecutionMissingState(t *testing.T) {
	h := newHarness(t)
	if _, err := h.executor.RecoverExecution(context.Background(), "nope", nil, nil); err == nil {
		t.Fatal("missing state must error")
	}
}

func TestReplayDLQEntry(t *testing.T) {
	h := newHarness(t)
	attempts := 0
	h.registry.Register("flaky", func(ctx context.Context, req *node.Request) (map[string]any, error) {
		attempts++
		if attempts == 1 {
			return nil, fmt.Errorf("server error 500 from upstream")
		}
		return map[string]any{"ok": true}, nil
	})

	nodes := []graph.Node{workNode("n", "flaky", map[string]any{
		"retryPolicy": map[string]any{"max_attempts": float64(1)},
	})}
	entry := &cache.DLQEntry{
		ID:         "entry1",
		WorkflowID: "wf1",
		NodeID:     "n",
		NodeType:   "flaky",
		Inputs:     map[string]any{"up": map[string]any{"v": 1}},
		RetryCount: 3,
	}
	h.dlq.Publish(context.Background(), entry)

	// First replay fails: the entry stays and advances.
	if err := h.executor.ReplayDLQEntry(context.Background(), "entry1", nodes, nil); err == nil {
		t.Fatal("first replay should fail")
	}
	stored := h.dlq.Entry(context.Background(), "entry1")
	if stored == nil || stored.RetryCount != 4 {
		t.Fatalf("entry after failed replay = %+v", stored)
	}
	if !strings.Contains(stored.Error, "500") {
		t.Errorf("entry error = %q", stored.Error)
	}

	// Second replay succeeds: the entry is removed, no duplicate published.
	if err := h.executor.ReplayDLQEntry(context.Background(), "entry1", nodes, nil); err != nil {
		t.Fatal(err)
	}
	if h.dlq.Entry(context.Background(), "entry1") != nil {
		t.Error("entry not removed after successful replay")
	}
	if total := h.dlq.Stats(context.Background()).Total; total != 0 {
		t.Errorf("dlq total = %d, want 0", total)
	}
}

func TestReplayDLQEntryUnknown(t *testing.T) {
	h := newHarness(t)
	if err := h.executor.ReplayDLQEntry(context.Background(), "missing", nil, nil); err == nil {
		t.Fatal("unknown entry must error")
	}
}
