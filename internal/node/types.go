// Package node executes a single workflow node: it merges persisted
// parameters, validates them, injects credentials, resolves templates, and
// dispatches to the handler registered for the node's type.
package node

import (
	"context"
	"sync"
	"time"

	"loom/internal/graph"
)

// ExecContext carries the per-run environment a handler may consult.
type ExecContext struct {
	Nodes       []graph.Node
	Edges       []graph.Edge
	SessionID   string
	ExecutionID string
	WorkflowID  string

	// UpstreamOutputs maps upstream node IDs to their outputs at the moment
	// this node became ready.
	UpstreamOutputs map[string]any

	// GetOutput returns the in-run output of a node, when available. May be
	// nil; handlers fall back to the output store.
	GetOutput func(nodeID string) (any, bool)
}

// Request is the fully-prepared input to a handler.
type Request struct {
	NodeID     string
	NodeType   string
	Parameters map[string]any
	Context    *ExecContext

	// ConnectedOutputs is populated only for node types that consume their
	// upstreams directly (code executors, webhook response, console,
	// socialReceive): outputs keyed by source node type.
	ConnectedOutputs map[string]any
	// SourceNodes lists the upstream node descriptors for the same types.
	SourceNodes []graph.Node
}

// Result is the outcome record of one node execution.
type Result struct {
	Success       bool           `json:"success"`
	NodeID        string         `json:"node_id"`
	NodeType      string         `json:"node_type"`
	Result        map[string]any `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	ExecutionTime float64        `json:"execution_time"`
	Timestamp     string         `json:"timestamp"`
	ExecutionID   string         `json:"execution_id,omitempty"`
}

// Handler executes one node type. Handlers must be idempotent with respect to
// their inputs whenever possible: the result cache assumes functional
// behavior per (execution, node, input hash).
type Handler func(ctx context.Context, req *Request) (map[string]any, error)

// Registry binds node type tags to handlers. Dispatch is O(1); handlers are
// closures with their service dependencies pre-bound at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry builds an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a node type, replacing any existing binding.
func (r *Registry) Register(nodeType string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[nodeType] = handler
}

// Lookup returns the handler for a node type.
func (r *Registry) Lookup(nodeType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[nodeType]
	return h, ok
}

// Types lists the registered node types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
