// Package execution defines the per-run state model: the execution context,
// per-node execution records, retry policies, and input hashing for the
// idempotent result cache.
package execution

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"loom/internal/graph"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// NodeStatus is the lifecycle state of one node execution within a run.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeScheduled NodeStatus = "scheduled"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeCached    NodeStatus = "cached"
	NodeCancelled NodeStatus = "cancelled"
	NodeWaiting   NodeStatus = "waiting"
	NodeSkipped   NodeStatus = "skipped"
)

// Succeeded reports whether the node finished with a usable output.
func (s NodeStatus) Succeeded() bool {
	return s == NodeCompleted || s == NodeCached
}

// Settled reports whether a downstream dependent no longer needs to wait for
// this node: completed, cached, or skipped.
func (s NodeStatus) Settled() bool {
	return s == NodeCompleted || s == NodeCached || s == NodeSkipped
}

// NodeExecution records one node's progress through a run.
type NodeExecution struct {
	NodeID      string     `json:"node_id"`
	NodeType    string     `json:"node_type"`
	Status      NodeStatus `json:"status"`
	InputHash   string     `json:"input_hash,omitempty"`
	Output      any        `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at,omitempty"`
	CompletedAt time.Time  `json:"completed_at,omitempty"`
	RetryCount  int        `json:"retry_count"`
}

// ExecutionError records one node failure for post-run inspection.
type ExecutionError struct {
	NodeID           string    `json:"node_id"`
	Error            string    `json:"error"`
	Timestamp        time.Time `json:"timestamp"`
	RetriesExhausted bool      `json:"retries_exhausted,omitempty"`
}

// Context is the state of a single run. The executor driving the run is its
// only writer; observers read snapshots through the accessors.
type Context struct {
	mu sync.RWMutex

	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id"`
	SessionID   string `json:"session_id"`

	Status Status `json:"status"`

	Nodes []graph.Node `json:"nodes"`
	Edges []graph.Edge `json:"edges"`

	// ExecutionOrder holds the layer analysis for diagnostics.
	ExecutionOrder [][]string `json:"execution_order,omitempty"`

	NodeExecutions map[string]*NodeExecution `json:"node_executions"`
	Outputs        map[string]any            `json:"outputs"`
	Checkpoints    []string                  `json:"checkpoints"`
	Errors         []ExecutionError          `json:"errors"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// NewContext builds a pending run context for the given graph. Config nodes
// and toolkit sub-nodes get no NodeExecution record: they never execute.
func NewContext(workflowID, sessionID string, nodes []graph.Node, edges []graph.Edge) *Context {
	ctx := &Context{
		ExecutionID:    uuid.NewString(),
		WorkflowID:     workflowID,
		SessionID:      sessionID,
		Status:         StatusPending,
		Nodes:          nodes,
		Edges:          edges,
		NodeExecutions: make(map[string]*NodeExecution),
		Outputs:        make(map[string]any),
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}

	subNodes := graph.ToolkitSubNodes(nodes, edges)
	for i := range nodes {
		n := &nodes[i]
		if graph.IsConfigType(n.Type) || subNodes[n.ID] {
			continue
		}
		ctx.NodeExecutions[n.ID] = &NodeExecution{
			NodeID:   n.ID,
			NodeType: n.Type,
			Status:   NodePending,
		}
	}
	return ctx
}

// WithLock runs fn while holding the context write lock.
func (c *Context) WithLock(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}

// WithRLock runs fn while holding the context read lock.
func (c *Context) WithRLock(fn func()) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn()
}

// SetStatus transitions the run status. Terminal states stick: once the run
// is completed, failed, or cancelled no further transition is applied.
func (c *Context) SetStatus(status Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Status.Terminal() {
		return
	}
	c.Status = status
	now := time.Now().UTC()
	c.UpdatedAt = now
	switch status {
	case StatusRunning:
		if c.StartedAt.IsZero() {
			c.StartedAt = now
		}
	case StatusCompleted, StatusFailed, StatusCancelled:
		c.CompletedAt = now
	}
}

// CurrentStatus returns the run status.
func (c *Context) CurrentStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Status
}

// NodeExecutionFor returns the execution record for a node, or nil when the
// node does not execute (config node or toolkit sub-node).
func (c *Context) NodeExecutionFor(nodeID string) *NodeExecution {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.NodeExecutions[nodeID]
}

// SetOutput stores a node output and invariantly keeps Outputs aligned with
// succeeded node executions.
func (c *Context) SetOutput(nodeID string, output any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Outputs[nodeID] = output
	c.UpdatedAt = time.Now().UTC()
}

// Output returns the stored output for a node.
func (c *Context) Output(nodeID string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out, ok := c.Outputs[nodeID]
	return out, ok
}

// OutputsCopy returns a shallow copy of all stored outputs.
func (c *Context) OutputsCopy() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	outputs := make(map[string]any, len(c.Outputs))
	for k, v := range c.Outputs {
		outputs[k] = v
	}
	return outputs
}

// AddCheckpoint appends a completed node to the checkpoint list in actual
// completion order.
func (c *Context) AddCheckpoint(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Checkpoints = append(c.Checkpoints, nodeID)
	c.UpdatedAt = time.Now().UTC()
}

// AddError records a node failure.
func (c *Context) AddError(nodeID, message string, retriesExhausted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Errors = append(c.Errors, ExecutionError{
		NodeID:           nodeID,
		Error:            message,
		Timestamp:        time.Now().UTC(),
		RetriesExhausted: retriesExhausted,
	})
	c.UpdatedAt = time.Now().UTC()
}
