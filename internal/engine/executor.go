// Package engine drives workflow runs: it layers the graph, schedules nodes
// continuously as their dependencies settle, evaluates conditional edges,
// retries failures per policy, consults the result cache, and dead-letters
// exhausted nodes.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"loom/internal/async"
	"loom/internal/cache"
	"loom/internal/execution"
	"loom/internal/graph"
	"loom/internal/logging"
	"loom/internal/metrics"
	"loom/internal/node"
)

// StatusSink receives lifecycle updates during a run. Satisfied by the status
// broadcaster; nil disables broadcasting.
type StatusSink interface {
	UpdateNodeStatus(nodeID, status string, data map[string]any, workflowID string)
	SendNodeOutput(nodeID, workflowID string, output any)
	UpdateWorkflowStatus(workflowID string, executing bool, currentNode string, progress float64)
}

type nopSink struct{}

func (nopSink) UpdateNodeStatus(string, string, map[string]any, string) {}
func (nopSink) SendNodeOutput(string, string, any)                      {}
func (nopSink) UpdateWorkflowStatus(string, bool, string, float64)      {}

// Settings tunes executor behavior.
type Settings struct {
	// CacheResults enables the idempotent result cache keyed by
	// (execution, node, input hash).
	CacheResults bool
	// LockTimeout bounds acquisition of the per-execution decide lock.
	LockTimeout time.Duration
	// LockRetryDelay is the pause between decide lock acquisition rounds.
	LockRetryDelay time.Duration
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		CacheResults:   true,
		LockTimeout:    10 * time.Second,
		LockRetryDelay: 250 * time.Millisecond,
	}
}

// Executor is the DAG engine. One Executor serves many concurrent runs; all
// per-run state lives in the execution.Context.
type Executor struct {
	nodes    *node.Executor
	cache    cache.Cache
	dlq      DLQHandler
	sink     StatusSink
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	settings Settings
	logger   logging.Logger
}

// New builds the executor. sink and m may be nil; dlq defaults to NullDLQ.
func New(nodes *node.Executor, c cache.Cache, dlq DLQHandler, sink StatusSink, m *metrics.Metrics, settings Settings, logger logging.Logger) *Executor {
	if dlq == nil {
		dlq = NullDLQ{}
	}
	if sink == nil {
		sink = nopSink{}
	}
	if settings.LockTimeout <= 0 {
		settings.LockTimeout = DefaultSettings().LockTimeout
	}
	if settings.LockRetryDelay <= 0 {
		settings.LockRetryDelay = DefaultSettings().LockRetryDelay
	}
	return &Executor{
		nodes:    nodes,
		cache:    c,
		dlq:      dlq,
		sink:     sink,
		metrics:  m,
		tracer:   otel.Tracer("loom/engine"),
		settings: settings,
		logger:   logging.OrNop(logger),
	}
}

// outcome is the completion record of one scheduled node.
type outcome struct {
	nodeID           string
	status           execution.NodeStatus
	output           map[string]any
	errMsg           string
	attempts         int
	retriesExhausted bool
}

// Execute drives a run to a terminal status. It returns an error when the run
// ends failed or cancelled, or when the decide lock cannot be obtained. The
// caller owns the context graph; Execute is the sole writer of run state.
func (e *Executor) Execute(ctx context.Context, ec *execution.Context) error {
	ctx, span := e.tracer.Start(ctx, "workflow.execute", trace.WithAttributes(
		attribute.String("execution.id", ec.ExecutionID),
		attribute.String("workflow.id", ec.WorkflowID),
	))
	defer span.End()

	lock, err := e.acquireDecideLock(ctx, ec.ExecutionID)
	if err != nil {
		return err
	}
	defer lock.Release(context.WithoutCancel(ctx))

	e.metrics.IncActiveRuns()
	defer e.metrics.DecActiveRuns()

	analysis := graph.AnalyzeLayers(ec.Nodes, ec.Edges, e.logger)
	ec.WithLock(func() { ec.ExecutionOrder = analysis.Layers })
	if len(analysis.Cycle) > 0 {
		e.cache.AddEvent(ctx, ec.ExecutionID, "cycle_detected", map[string]any{
			"nodes": analysis.Cycle,
		})
	}

	ec.SetStatus(execution.StatusRunning)
	e.cache.AddEvent(ctx, ec.ExecutionID, "execution_started", map[string]any{
		"workflow_id": ec.WorkflowID,
	})
	e.saveState(ctx, ec)
	e.sink.UpdateWorkflowStatus(ec.WorkflowID, true, "", 0)

	run := newRunState(ec)
	e.settlePreExecuted(ctx, ec, run)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	completions := make(chan *outcome, len(run.records()))
	inFlight := e.schedule(runCtx, ec, run, completions)

	workflowFailed := false
	cancelled := false
	var firstFailure string

	for inFlight > 0 {
		out := <-completions
		inFlight--
		e.applyOutcome(ctx, ec, run, out)

		switch out.status {
		case execution.NodeCompleted, execution.NodeCached:
			if !workflowFailed && !cancelled {
				inFlight += e.schedule(runCtx, ec, run, completions)
			}
		case execution.NodeCancelled:
			cancelled = true
		case execution.NodeFailed:
			if firstFailure == "" {
				firstFailure = fmt.Sprintf("node %s: %s", out.nodeID, out.errMsg)
			}
			workflowFailed = true
			cancelRun()
		}
		e.saveState(ctx, ec)

		if ctx.Err() != nil {
			cancelled = true
		}
	}

	return e.finish(ctx, ec, run, workflowFailed, cancelled, firstFailure)
}

func (e *Executor) acquireDecideLock(ctx context.Context, executionID string) (cache.Lock, error) {
	name := "execution:" + executionID + ":decide"
	for {
		lock, err := e.cache.AcquireLock(ctx, name, e.settings.LockTimeout)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, cache.ErrLockTimeout) {
			return nil, err
		}
		e.metrics.IncLockTimeout()
		e.logger.Warn("Executor: decide lock %s contended, retrying", name)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.settings.LockRetryDelay):
		}
	}
}

// settlePreExecuted completes trigger nodes that already fired: their output
// was produced by the trigger manager before the run started.
func (e *Executor) settlePreExecuted(ctx context.Context, ec *execution.Context, run *runState) {
	for _, n := range run.nodes {
		if !n.PreExecuted {
			continue
		}
		rec := ec.NodeExecutionFor(n.ID)
		if rec == nil {
			continue
		}
		output := asOutputMap(n.TriggerOutput)
		now := time.Now().UTC()
		ec.WithLock(func() {
			rec.Status = execution.NodeCompleted
			rec.Output = output
			rec.StartedAt = now
			rec.CompletedAt = now
		})
		ec.SetOutput(n.ID, output)
		ec.AddCheckpoint(n.ID)
		e.sink.UpdateNodeStatus(n.ID, "success", output, ec.WorkflowID)
		e.cache.AddEvent(ctx, ec.ExecutionID, "node_completed", map[string]any{
			"node_id": n.ID, "pre_executed": true,
		})
	}
}

// schedule transitions every ready node to scheduled and launches its
// execution. Skips are applied to a fixpoint first so a skipped upstream can
// settle its own dependents in the same pass. Returns the number of nodes
// launched.
func (e *Executor) schedule(runCtx context.Context, ec *execution.Context, run *runState, completions chan<- *outcome) int {
	launched := 0
	for {
		ready, skipped := run.nextTransitions(ec)
		for _, id := range skipped {
			e.markSkipped(ec, id)
		}
		if len(ready) == 0 && len(skipped) == 0 {
			return launched
		}
		for _, id := range ready {
			n := run.node(id)
			rec := ec.NodeExecutionFor(id)
			ec.WithLock(func() { rec.Status = execution.NodeScheduled })
			e.sink.UpdateNodeStatus(id, "scheduled", nil, ec.WorkflowID)
			launched++
			async.Go(e.logger, "node-"+id, func() {
				completions <- e.runNode(runCtx, ec, n, run, true)
			})
		}
	}
}

func (e *Executor) markSkipped(ec *execution.Context, nodeID string) {
	rec := ec.NodeExecutionFor(nodeID)
	now := time.Now().UTC()
	ec.WithLock(func() {
		rec.Status = execution.NodeSkipped
		rec.CompletedAt = now
	})
	e.sink.UpdateNodeStatus(nodeID, "skipped", nil, ec.WorkflowID)
}

// runNode executes one node with retry, cache, and heartbeats. publishDLQ is
// false only for DLQ replay, which manages its own entry lifecycle.
func (e *Executor) runNode(runCtx context.Context, ec *execution.Context, n *graph.Node, run *runState, publishDLQ bool) *outcome {
	nodeCtx, span := e.tracer.Start(runCtx, "node.execute", trace.WithAttributes(
		attribute.String("node.id", n.ID),
		attribute.String("node.type", n.Type),
	))
	defer span.End()

	started := time.Now()
	rec := ec.NodeExecutionFor(n.ID)
	policy := execution.PolicyForNode(n)
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	inputs := run.upstreamOutputs(ec, n.ID)
	hash := execution.InputHash(inputs)
	ec.WithLock(func() {
		rec.InputHash = hash
		rec.StartedAt = started.UTC()
	})

	if e.settings.CacheResults {
		if cached := e.cache.GetCachedResult(nodeCtx, ec.ExecutionID, n.ID, hash); cached != nil {
			e.metrics.IncCacheHit()
			e.metrics.ObserveNodeDuration(n.Type, "cached", time.Since(started))
			e.sink.UpdateNodeStatus(n.ID, "cached", cached, ec.WorkflowID)
			return &outcome{nodeID: n.ID, status: execution.NodeCached, output: cached}
		}
	}

	execCtx := &node.ExecContext{
		Nodes:           ec.Nodes,
		Edges:           ec.Edges,
		SessionID:       ec.SessionID,
		ExecutionID:     ec.ExecutionID,
		WorkflowID:      ec.WorkflowID,
		UpstreamOutputs: inputs,
		GetOutput:       ec.Output,
	}

	attempts := 0
	var lastErr string
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := policy.Delay(attempt - 1)
			e.metrics.IncNodeRetry(n.Type)
			e.sink.UpdateNodeStatus(n.ID, "retrying", map[string]any{
				"attempt":       attempt + 1,
				"delay_seconds": delay.Seconds(),
				"error":         preview(lastErr),
			}, ec.WorkflowID)
			select {
			case <-runCtx.Done():
				return &outcome{nodeID: n.ID, status: execution.NodeCancelled, errMsg: "Cancelled", attempts: attempts}
			case <-time.After(delay):
			}
			ec.WithLock(func() { rec.RetryCount = attempt })
		}

		ec.WithLock(func() { rec.Status = execution.NodeRunning })
		e.sink.UpdateNodeStatus(n.ID, "running", nil, ec.WorkflowID)
		stopHeartbeat := e.startHeartbeat(runCtx, ec.ExecutionID, n.ID)

		res := e.nodes.Execute(nodeCtx, n.ID, n.Type, n.Parameters(), execCtx)
		stopHeartbeat()
		e.cache.UpdateHeartbeat(nodeCtx, ec.ExecutionID, n.ID)
		attempts = attempt + 1

		if res.Success {
			if e.settings.CacheResults {
				e.cache.SetCachedResult(nodeCtx, ec.ExecutionID, n.ID, hash, res.Result)
			}
			e.metrics.ObserveNodeDuration(n.Type, "success", time.Since(started))
			return &outcome{nodeID: n.ID, status: execution.NodeCompleted, output: res.Result, attempts: attempts}
		}
		lastErr = res.Error
		if runCtx.Err() != nil || res.Error == "Cancelled" {
			e.metrics.ObserveNodeDuration(n.Type, "cancelled", time.Since(started))
			return &outcome{nodeID: n.ID, status: execution.NodeCancelled, errMsg: "Cancelled", attempts: attempts}
		}
		if !policy.ShouldRetryMessage(res.Error) {
			break
		}
	}

	retriesExhausted := attempts == maxAttempts && policy.ShouldRetryMessage(lastErr)
	e.metrics.ObserveNodeDuration(n.Type, "error", time.Since(started))
	if publishDLQ {
		now := time.Now().UTC()
		e.dlq.Publish(runCtx, &cache.DLQEntry{
			ID:          uuid.NewString(),
			ExecutionID: ec.ExecutionID,
			WorkflowID:  ec.WorkflowID,
			NodeID:      n.ID,
			NodeType:    n.Type,
			Error:       lastErr,
			Inputs:      inputs,
			RetryCount:  attempts,
			CreatedAt:   now,
			LastErrorAt: now,
		})
		e.metrics.IncDLQEntry(n.Type)
	}
	return &outcome{
		nodeID:           n.ID,
		status:           execution.NodeFailed,
		errMsg:           lastErr,
		attempts:         attempts,
		retriesExhausted: retriesExhausted,
	}
}

// startHeartbeat refreshes the node heartbeat periodically until stopped.
func (e *Executor) startHeartbeat(ctx context.Context, executionID, nodeID string) func() {
	e.cache.UpdateHeartbeat(ctx, executionID, nodeID)
	done := make(chan struct{})
	async.Go(e.logger, "heartbeat-"+nodeID, func() {
		ticker := time.NewTicker(cache.HeartbeatTTL / 5)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.cache.UpdateHeartbeat(ctx, executionID, nodeID)
			}
		}
	})
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// applyOutcome folds a completed node back into the run state.
func (e *Executor) applyOutcome(ctx context.Context, ec *execution.Context, run *runState, out *outcome) {
	rec := ec.NodeExecutionFor(out.nodeID)
	now := time.Now().UTC()
	ec.WithLock(func() {
		rec.Status = out.status
		rec.CompletedAt = now
		rec.RetryCount = maxInt(rec.RetryCount, out.attempts-1)
		if out.errMsg != "" {
			rec.Error = out.errMsg
		}
		if out.output != nil {
			rec.Output = out.output
		}
	})

	switch out.status {
	case execution.NodeCompleted, execution.NodeCached:
		ec.SetOutput(out.nodeID, out.output)
		ec.AddCheckpoint(out.nodeID)
		e.cache.AddEvent(ctx, ec.ExecutionID, "node_completed", map[string]any{
			"node_id": out.nodeID,
			"cached":  out.status == execution.NodeCached,
		})
		e.sink.UpdateNodeStatus(out.nodeID, "success", out.output, ec.WorkflowID)
		e.sink.SendNodeOutput(out.nodeID, ec.WorkflowID, out.output)
		e.sink.UpdateWorkflowStatus(ec.WorkflowID, true, out.nodeID, run.progress(ec))
	case execution.NodeFailed:
		ec.AddError(out.nodeID, out.errMsg, out.retriesExhausted)
		e.cache.AddEvent(ctx, ec.ExecutionID, "node_failed", map[string]any{
			"node_id":           out.nodeID,
			"error":             out.errMsg,
			"retries_exhausted": out.retriesExhausted,
		})
		e.sink.UpdateNodeStatus(out.nodeID, "error", map[string]any{"error": out.errMsg}, ec.WorkflowID)
	case execution.NodeCancelled:
		e.sink.UpdateNodeStatus(out.nodeID, "cancelled", nil, ec.WorkflowID)
	}
}

// finish settles the terminal status, cancels stranded records, and persists
// the final state.
func (e *Executor) finish(ctx context.Context, ec *execution.Context, run *runState, failed, cancelled bool, firstFailure string) error {
	// Nodes still pending with in-flight empty are unreachable: either part
	// of a cycle or downstream of a failure.
	var stranded []string
	ec.WithRLock(func() {
		for id, rec := range ec.NodeExecutions {
			if rec.Status == execution.NodePending || rec.Status == execution.NodeScheduled {
				stranded = append(stranded, id)
			}
		}
	})
	structural := !failed && !cancelled && len(stranded) > 0
	now := time.Now().UTC()
	for _, id := range stranded {
		rec := ec.NodeExecutionFor(id)
		ec.WithLock(func() {
			if structural {
				rec.Status = execution.NodeFailed
				rec.Error = "unreachable: dependency cycle or unsatisfiable dependencies"
			} else {
				rec.Status = execution.NodeCancelled
			}
			rec.CompletedAt = now
		})
	}
	if structural {
		failed = true
		firstFailure = fmt.Sprintf("unreachable nodes: %v", stranded)
		ec.AddError(stranded[0], firstFailure, false)
	}

	// Failure outranks cancellation: cancelRun aborts in-flight siblings of a
	// failed node, and those collateral NodeCancelled outcomes must not mask
	// the failure. Cancelled is terminal only for externally cancelled runs.
	var status execution.Status
	switch {
	case failed:
		status = execution.StatusFailed
	case cancelled:
		status = execution.StatusCancelled
	default:
		status = execution.StatusCompleted
	}
	ec.SetStatus(status)
	e.metrics.IncRun(string(status))
	e.cache.AddEvent(ctx, ec.ExecutionID, "execution_finished", map[string]any{
		"status": string(status),
	})
	e.saveState(ctx, ec)
	e.sink.UpdateWorkflowStatus(ec.WorkflowID, false, "", run.progress(ec))

	switch status {
	case execution.StatusFailed:
		return fmt.Errorf("execution %s failed: %s", ec.ExecutionID, firstFailure)
	case execution.StatusCancelled:
		return fmt.Errorf("execution %s cancelled", ec.ExecutionID)
	default:
		return nil
	}
}

// RecoverExecution resumes an interrupted run. The host re-supplies the
// structural graph; persisted progress is overlaid, nodes that were never
// part of the interrupted run are skipped, running nodes are reset to
// pending (their prior execution was interrupted), and the decide loop
// resumes. Cached results prevent repeating completed work.
func (e *Executor) RecoverExecution(ctx context.Context, executionID string, nodes []graph.Node, edges []graph.Edge) (*execution.Context, error) {
	state := e.cache.LoadExecutionState(ctx, executionID)
	if state == nil {
		return nil, fmt.Errorf("no persisted state for execution %s", executionID)
	}
	ec := execution.NewContext(state.WorkflowID, state.SessionID, nodes, edges)
	ec.ApplyState(state)
	if ec.CurrentStatus().Terminal() {
		return ec, fmt.Errorf("execution %s already terminal (%s)", executionID, ec.CurrentStatus())
	}

	// The host re-supplies the full deployed graph, but the interrupted run
	// executed the trigger-filtered subgraph and persisted a record for every
	// node in it. Nodes with no persisted record were outside that run; mark
	// them skipped so recovery resumes the same run instead of widening it.
	var persisted map[string]json.RawMessage
	if state.NodeExecutionsJSON != "" {
		_ = json.Unmarshal([]byte(state.NodeExecutionsJSON), &persisted)
	}
	now := time.Now().UTC()
	ec.WithLock(func() {
		for id, rec := range ec.NodeExecutions {
			if len(persisted) > 0 {
				if _, ok := persisted[id]; !ok {
					rec.Status = execution.NodeSkipped
					rec.CompletedAt = now
					continue
				}
			}
			switch rec.Status {
			case execution.NodeRunning, execution.NodeScheduled, execution.NodeWaiting:
				rec.Status = execution.NodePending
				rec.Error = ""
			}
		}
	})
	e.logger.Info("Executor: recovering execution %s (workflow %s)", executionID, ec.WorkflowID)
	e.cache.AddEvent(ctx, executionID, "execution_recovered", nil)

	return ec, e.Execute(ctx, ec)
}

// ReplayDLQEntry re-executes a dead-lettered node in isolation. The stored
// inputs seed the outputs map so the node sees the same upstream view. On
// success the entry is removed; on failure its retry count and last error
// time advance.
func (e *Executor) ReplayDLQEntry(ctx context.Context, entryID string, nodes []graph.Node, edges []graph.Edge) error {
	entry := e.dlq.Entry(ctx, entryID)
	if entry == nil {
		return fmt.Errorf("dlq entry %s not found", entryID)
	}
	n := graph.NodeByID(nodes, entry.NodeID)
	if n == nil {
		return fmt.Errorf("dlq entry %s references unknown node %s", entryID, entry.NodeID)
	}

	ec := execution.NewContext(entry.WorkflowID, "", nodes, edges)
	for id, out := range entry.Inputs {
		ec.SetOutput(id, out)
	}
	run := newRunState(ec)

	out := e.runNode(ctx, ec, n, run, false)
	if out.status.Succeeded() {
		e.dlq.Remove(ctx, entryID)
		e.logger.Info("Executor: DLQ replay of %s succeeded, entry removed", entryID)
		return nil
	}
	entry.RetryCount++
	entry.LastErrorAt = time.Now().UTC()
	if out.errMsg != "" {
		entry.Error = out.errMsg
	}
	e.dlq.Update(ctx, entry)
	return fmt.Errorf("dlq replay of %s failed: %s", entryID, out.errMsg)
}

func (e *Executor) saveState(ctx context.Context, ec *execution.Context) {
	if err := e.cache.SaveExecutionState(ctx, ec.ToState()); err != nil {
		e.logger.Warn("Executor: failed to save state for %s: %v", ec.ExecutionID, err)
	}
}

func preview(s string) string {
	const limit = 120
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func asOutputMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	if v == nil {
		return map[string]any{}
	}
	return map[string]any{"value": v}
}
