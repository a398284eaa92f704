// Package graph holds the workflow template model: typed nodes, edges with
// optional conditions, node-class capability checks, layer analysis, and the
// per-run graph filtering used when a trigger fires.
package graph

// Node is one entry of a workflow template. Nodes are immutable within a run;
// the deployment layer copies them before seeding an execution.
type Node struct {
	ID   string         `json:"id"`
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`

	// PreExecuted marks the trigger node of a run seeded from a fired
	// trigger. The executor treats it as already completed and uses
	// TriggerOutput as its output.
	PreExecuted   bool `json:"_pre_executed,omitempty"`
	TriggerOutput any  `json:"_trigger_output,omitempty"`
}

// Label returns the display label from the node data, falling back to the ID.
func (n *Node) Label() string {
	if n.Data != nil {
		if label, ok := n.Data["label"].(string); ok && label != "" {
			return label
		}
	}
	return n.ID
}

// Disabled reports whether the node is disabled in the template. Disabled
// nodes transition directly to skipped on first inspection.
func (n *Node) Disabled() bool {
	if n.Data == nil {
		return false
	}
	disabled, _ := n.Data["disabled"].(bool)
	return disabled
}

// Parameters returns the node's configured parameters, never nil.
func (n *Node) Parameters() map[string]any {
	if n.Data != nil {
		if params, ok := n.Data["parameters"].(map[string]any); ok {
			return params
		}
	}
	return map[string]any{}
}

// Edge connects two nodes. Edges whose TargetHandle is one of the
// configuration handles express configuration composition, not execution
// dependency.
type Edge struct {
	Source       string    `json:"source"`
	Target       string    `json:"target"`
	SourceHandle string    `json:"sourceHandle,omitempty"`
	TargetHandle string    `json:"targetHandle,omitempty"`
	Data         *EdgeData `json:"data,omitempty"`
}

// EdgeData carries the optional condition gating traversal of the edge.
type EdgeData struct {
	Condition *Condition `json:"condition,omitempty"`
}

// Condition returns the edge condition, or nil when the edge is unconditional.
func (e *Edge) Condition() *Condition {
	if e.Data == nil {
		return nil
	}
	return e.Data.Condition
}

// configHandles enumerates target handles that express configuration
// composition rather than data dependency.
var configHandles = map[string]bool{
	"input-memory":    true,
	"input-skill":     true,
	"input-tools":     true,
	"input-teammates": true,
	"input-task":      true,
}

// IsConfigEdge reports whether the edge wires configuration (memory, skill,
// tools, teammates, task) into its target. The DAG engine excludes these
// edges when computing ready nodes.
func (e *Edge) IsConfigEdge() bool {
	return configHandles[e.TargetHandle]
}

// NodeByID returns the node with the given ID from nodes, or nil.
func NodeByID(nodes []Node, id string) *Node {
	for i := range nodes {
		if nodes[i].ID == id {
			return &nodes[i]
		}
	}
	return nil
}
