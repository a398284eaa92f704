// Package cache provides the durable state facade for the engine: per-run
// execution state, the idempotent result cache, distributed locks,
// heartbeats, the bounded event log, and the dead-letter queue.
//
// Two backends ship with the engine: a Redis implementation for durable mode
// and an in-process fallback for degraded mode. All operations fail closed:
// they log and return zero values rather than propagating backend errors to
// callers, except for distributed lock acquisition which surfaces a timeout.
package cache

import (
	"context"
	"errors"
	"time"
)

// Default TTLs and bounds for cached state.
const (
	// ResultTTL bounds how long a cached node result is honored.
	ResultTTL = 1 * time.Hour
	// HeartbeatTTL bounds how long a node heartbeat stays visible.
	HeartbeatTTL = 5 * time.Minute
	// TerminalStateTTL bounds how long terminal execution state is retained.
	TerminalStateTTL = 24 * time.Hour
	// DLQEntryTTL bounds how long dead-letter entries are retained.
	DLQEntryTTL = 7 * 24 * time.Hour
	// EventStreamMaxLen bounds the per-execution event stream.
	EventStreamMaxLen = 1000
)

// ErrLockTimeout is returned when a distributed lock cannot be acquired
// within the caller-supplied timeout.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// State is the persisted form of an execution context. The structural graph
// is not persisted beyond its counts; nodes and edges are re-supplied by the
// host on recovery, which keeps state size bounded.
type State struct {
	ExecutionID    string            `json:"execution_id"`
	WorkflowID     string            `json:"workflow_id"`
	SessionID      string            `json:"session_id"`
	Status         string            `json:"status"`
	NodeCount      int               `json:"node_count"`
	EdgeCount      int               `json:"edge_count"`
	NodeExecutions map[string]string `json:"-"`
	// NodeExecutionsJSON / OutputsJSON / CheckpointsJSON / ErrorsJSON hold
	// the serialized context collections.
	NodeExecutionsJSON string `json:"node_executions"`
	OutputsJSON        string `json:"outputs"`
	CheckpointsJSON    string `json:"checkpoints"`
	ErrorsJSON         string `json:"errors"`
	CreatedAt          string `json:"created_at"`
	UpdatedAt          string `json:"updated_at"`
	StartedAt          string `json:"started_at"`
	CompletedAt        string `json:"completed_at"`
}

// DLQEntry records a node execution that exhausted its retry budget. Entries
// are indexed by workflow, node type, and globally, and retained 7 days.
type DLQEntry struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id"`
	NodeID      string         `json:"node_id"`
	NodeType    string         `json:"node_type"`
	Error       string         `json:"error"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	RetryCount  int            `json:"retry_count"`
	CreatedAt   time.Time      `json:"created_at"`
	LastErrorAt time.Time      `json:"last_error_at"`
}

// DLQStats summarizes dead-letter queue contents.
type DLQStats struct {
	Total      int            `json:"total"`
	ByWorkflow map[string]int `json:"by_workflow"`
	ByNodeType map[string]int `json:"by_node_type"`
}

// DLQFilter narrows DLQ listing.
type DLQFilter struct {
	WorkflowID string
	NodeType   string
	Limit      int
}

// Lock is an acquired distributed lock guard. Release verifies the token so
// one owner cannot release another owner's lock.
type Lock interface {
	Release(ctx context.Context)
	Name() string
}

// Cache is the execution cache contract consumed by the executor, the
// deployment manager, and the recovery sweeper.
type Cache interface {
	// Mode identifies the active backend ("redis" or "memory") for
	// observability.
	Mode() string

	// SaveExecutionState atomically replaces the state hash for a run. On a
	// terminal status the execution is removed from the active set and the
	// state expires after TerminalStateTTL.
	SaveExecutionState(ctx context.Context, state *State) error
	// LoadExecutionState returns nil when the state is absent or the
	// backend is unavailable.
	LoadExecutionState(ctx context.Context, executionID string) *State
	// ActiveExecutions lists execution IDs currently marked running.
	ActiveExecutions(ctx context.Context) []string
	// RemoveActiveExecution drops an ID from the active set.
	RemoveActiveExecution(ctx context.Context, executionID string)

	// GetCachedResult returns a copy of the cached result for the key
	// (execution, node, input hash), or nil on miss.
	GetCachedResult(ctx context.Context, executionID, nodeID, inputHash string) map[string]any
	// SetCachedResult stores a node result under ResultTTL.
	SetCachedResult(ctx context.Context, executionID, nodeID, inputHash string, result map[string]any)

	// AcquireLock obtains the named distributed lock, retrying until the
	// timeout elapses. Returns ErrLockTimeout on expiry.
	AcquireLock(ctx context.Context, name string, timeout time.Duration) (Lock, error)

	// UpdateHeartbeat refreshes the heartbeat for a running node.
	UpdateHeartbeat(ctx context.Context, executionID, nodeID string)
	// GetHeartbeat returns the last heartbeat time, or zero when absent.
	GetHeartbeat(ctx context.Context, executionID, nodeID string) time.Time

	// AddEvent appends to the bounded per-execution event stream.
	// Best-effort only.
	AddEvent(ctx context.Context, executionID, eventType string, data map[string]any)

	// AddCheckpoint appends to the per-transaction checkpoint list.
	AddCheckpoint(ctx context.Context, txnID, nodeID string)
	// Checkpoints returns the checkpoint list for a transaction.
	Checkpoints(ctx context.Context, txnID string) []string

	// Dead-letter queue CRUD.
	AddToDLQ(ctx context.Context, entry *DLQEntry) error
	GetDLQEntry(ctx context.Context, entryID string) *DLQEntry
	GetDLQEntries(ctx context.Context, filter DLQFilter) []*DLQEntry
	UpdateDLQEntry(ctx context.Context, entry *DLQEntry) error
	RemoveFromDLQ(ctx context.Context, entryID string) error
	PurgeDLQ(ctx context.Context, filter DLQFilter) int
	GetDLQStats(ctx context.Context) DLQStats

	// Close releases backend resources.
	Close() error
}

// Key schema shared by both backends (the memory backend reuses it so tests
// and diagnostics read identically).
func executionStateKey(executionID string) string { return "execution:" + executionID + ":state" }
func executionEventsKey(executionID string) string {
	return "execution:" + executionID + ":events"
}
func resultKey(executionID, nodeID, inputHash string) string {
	return "result:" + executionID + ":" + nodeID + ":" + inputHash
}
func lockKey(name string) string { return "lock:" + name }
func heartbeatKey(executionID, nodeID string) string {
	return "heartbeat:" + executionID + ":" + nodeID
}
func dlqEntryKey(entryID string) string { return "dlq:entries:" + entryID }
func dlqWorkflowKey(workflowID string) string { return "dlq:workflow:" + workflowID }
func dlqNodeTypeKey(nodeType string) string { return "dlq:node_type:" + nodeType }
func txnCheckpointsKey(txnID string) string { return "txn:" + txnID + ":checkpoints" }

const (
	activeExecutionsKey = "executions:active"
	dlqAllKey           = "dlq:all"
)
