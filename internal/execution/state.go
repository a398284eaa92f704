package execution

import (
	"encoding/json"
	"time"

	"loom/internal/cache"
)

// ToState serializes the context into its persisted form. Only counts of the
// structural graph are stored; nodes and edges are re-supplied by the host on
// recovery.
func (c *Context) ToState() *cache.State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	nodeExecs, _ := json.Marshal(c.NodeExecutions)
	outputs, _ := json.Marshal(c.Outputs)
	checkpoints, _ := json.Marshal(c.Checkpoints)
	errs, _ := json.Marshal(c.Errors)

	return &cache.State{
		ExecutionID:        c.ExecutionID,
		WorkflowID:         c.WorkflowID,
		SessionID:          c.SessionID,
		Status:             string(c.Status),
		NodeCount:          len(c.Nodes),
		EdgeCount:          len(c.Edges),
		NodeExecutionsJSON: string(nodeExecs),
		OutputsJSON:        string(outputs),
		CheckpointsJSON:    string(checkpoints),
		ErrorsJSON:         string(errs),
		CreatedAt:          formatTime(c.CreatedAt),
		UpdatedAt:          formatTime(c.UpdatedAt),
		StartedAt:          formatTime(c.StartedAt),
		CompletedAt:        formatTime(c.CompletedAt),
	}
}

// ApplyState overlays persisted state onto a freshly-built context. Used by
// recovery, where the host re-supplies the structural graph and the persisted
// collections restore prior progress.
func (c *Context) ApplyState(state *cache.State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if state.ExecutionID != "" {
		c.ExecutionID = state.ExecutionID
	}
	if state.WorkflowID != "" {
		c.WorkflowID = state.WorkflowID
	}
	if state.SessionID != "" {
		c.SessionID = state.SessionID
	}
	if state.Status != "" {
		c.Status = Status(state.Status)
	}

	if state.NodeExecutionsJSON != "" {
		var execs map[string]*NodeExecution
		if err := json.Unmarshal([]byte(state.NodeExecutionsJSON), &execs); err == nil {
			// Only overlay nodes present in the supplied graph; persisted
			// records for nodes that no longer exist are dropped.
			for id, rec := range execs {
				if _, ok := c.NodeExecutions[id]; ok {
					c.NodeExecutions[id] = rec
				}
			}
		}
	}
	if state.OutputsJSON != "" {
		var outputs map[string]any
		if err := json.Unmarshal([]byte(state.OutputsJSON), &outputs); err == nil {
			for id, out := range outputs {
				c.Outputs[id] = out
			}
		}
	}
	if state.CheckpointsJSON != "" {
		var checkpoints []string
		if err := json.Unmarshal([]byte(state.CheckpointsJSON), &checkpoints); err == nil {
			c.Checkpoints = checkpoints
		}
	}
	if state.ErrorsJSON != "" {
		var errs []ExecutionError
		if err := json.Unmarshal([]byte(state.ErrorsJSON), &errs); err == nil {
			c.Errors = errs
		}
	}

	c.CreatedAt = parseTime(state.CreatedAt, c.CreatedAt)
	c.UpdatedAt = parseTime(state.UpdatedAt, c.UpdatedAt)
	c.StartedAt = parseTime(state.StartedAt, c.StartedAt)
	c.CompletedAt = parseTime(state.CompletedAt, c.CompletedAt)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fallback
	}
	return t
}
