// Package broadcast fans node, workflow, and deployment lifecycle events out
// to connected observers and keeps a snapshot of current statuses so a newly
// connected observer sees the full picture immediately.
package broadcast

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"loom/internal/async"
	"loom/internal/eventwaiter"
	"loom/internal/logging"
)

// Message is one broadcast payload. Every message carries a "type" field;
// the remaining shape depends on the type (node_status, workflow_status,
// deployment_status, workflow_lock, variable_update, custom events).
type Message map[string]any

// Observer is a sink for broadcast messages, typically a WebSocket
// connection. A failing Send removes the observer from the set.
type Observer interface {
	ID() string
	Send(msg Message) error
}

// WorkflowLock is the advisory per-workflow lock record.
type WorkflowLock struct {
	Locked   bool      `json:"locked"`
	Reason   string    `json:"reason,omitempty"`
	LockedAt time.Time `json:"locked_at,omitempty"`
}

// Broadcaster is the process-wide status pub/sub. Locking is advisory and
// per-workflow: locking one workflow never blocks another.
type Broadcaster struct {
	mu sync.RWMutex

	observers map[string]Observer

	nodeStatuses       map[string]Message
	workflowStatuses   map[string]Message
	deploymentStatuses map[string]Message
	adapterStatuses    map[string]Message
	variables          map[string]any
	locks              map[string]*WorkflowLock

	waiters eventwaiter.Waiters
	logger  logging.Logger

	// sendTimeout bounds one observer delivery so a stalled sink cannot
	// delay its peers.
	sendTimeout time.Duration
}

// New builds a broadcaster. waiters may be nil when no event bridging is
// needed (tests).
func New(waiters eventwaiter.Waiters, logger logging.Logger) *Broadcaster {
	return &Broadcaster{
		observers:          make(map[string]Observer),
		nodeStatuses:       make(map[string]Message),
		workflowStatuses:   make(map[string]Message),
		deploymentStatuses: make(map[string]Message),
		adapterStatuses:    make(map[string]Message),
		variables:          make(map[string]any),
		locks:              make(map[string]*WorkflowLock),
		waiters:            waiters,
		logger:             logging.OrNop(logger),
		sendTimeout:        5 * time.Second,
	}
}

// Connect registers an observer and immediately pushes the current snapshot.
func (b *Broadcaster) Connect(observer Observer) {
	b.mu.Lock()
	b.observers[observer.ID()] = observer
	snapshot := b.snapshotLocked()
	b.mu.Unlock()

	if err := observer.Send(Message{"type": "initial_status", "data": snapshot}); err != nil {
		b.logger.Warn("Broadcaster: initial snapshot send failed for %s: %v", observer.ID(), err)
		b.Disconnect(observer.ID())
	}
}

// Disconnect removes an observer.
func (b *Broadcaster) Disconnect(observerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.observers, observerID)
}

// ObserverCount reports the number of connected observers.
func (b *Broadcaster) ObserverCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.observers)
}

func (b *Broadcaster) snapshotLocked() map[string]any {
	nodes := make(map[string]Message, len(b.nodeStatuses))
	for k, v := range b.nodeStatuses {
		nodes[k] = v
	}
	workflows := make(map[string]Message, len(b.workflowStatuses))
	for k, v := range b.workflowStatuses {
		workflows[k] = v
	}
	deployments := make(map[string]Message, len(b.deploymentStatuses))
	for k, v := range b.deploymentStatuses {
		deployments[k] = v
	}
	adapters := make(map[string]Message, len(b.adapterStatuses))
	for k, v := range b.adapterStatuses {
		adapters[k] = v
	}
	variables := make(map[string]any, len(b.variables))
	for k, v := range b.variables {
		variables[k] = v
	}
	locks := make(map[string]*WorkflowLock, len(b.locks))
	for k, v := range b.locks {
		copied := *v
		locks[k] = &copied
	}
	return map[string]any{
		"node_statuses":       nodes,
		"workflow_statuses":   workflows,
		"deployment_statuses": deployments,
		"adapter_statuses":    adapters,
		"variables":           variables,
		"workflow_locks":      locks,
	}
}

// broadcast fans a message out to all observers concurrently. Delivery is
// best-effort; observers whose send fails are removed.
func (b *Broadcaster) broadcast(msg Message) {
	b.mu.RLock()
	targets := make([]Observer, 0, len(b.observers))
	for _, o := range b.observers {
		targets = append(targets, o)
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	var failed sync.Map
	g, _ := errgroup.WithContext(context.Background())
	for _, observer := range targets {
		g.Go(func() error {
			done := make(chan error, 1)
			async.Go(b.logger, "broadcast-send", func() {
				done <- observer.Send(msg)
			})
			select {
			case err := <-done:
				if err != nil {
					failed.Store(observer.ID(), true)
				}
			case <-time.After(b.sendTimeout):
				failed.Store(observer.ID(), true)
			}
			return nil
		})
	}
	_ = g.Wait()

	failed.Range(func(key, _ any) bool {
		id := key.(string)
		b.logger.Warn("Broadcaster: removing unresponsive observer %s", id)
		b.Disconnect(id)
		return true
	})
}

// UpdateNodeStatus persists and broadcasts a node lifecycle change.
func (b *Broadcaster) UpdateNodeStatus(nodeID, status string, data map[string]any, workflowID string) {
	payload := Message{
		"status":    status,
		"data":      data,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	b.mu.Lock()
	b.nodeStatuses[nodeID] = payload
	b.mu.Unlock()

	b.broadcast(Message{
		"type":        "node_status",
		"node_id":     nodeID,
		"workflow_id": workflowID,
		"data":        payload,
	})
}

// SendNodeOutput broadcasts a node output without storing it in the snapshot.
func (b *Broadcaster) SendNodeOutput(nodeID, workflowID string, output any) {
	b.broadcast(Message{
		"type":        "node_output",
		"node_id":     nodeID,
		"workflow_id": workflowID,
		"output":      output,
	})
}

// UpdateWorkflowStatus persists and broadcasts overall workflow progress.
func (b *Broadcaster) UpdateWorkflowStatus(workflowID string, executing bool, currentNode string, progress float64) {
	payload := Message{
		"executing":    executing,
		"current_node": currentNode,
		"progress":     progress,
	}
	b.mu.Lock()
	b.workflowStatuses[workflowID] = payload
	b.mu.Unlock()

	b.broadcast(Message{
		"type":        "workflow_status",
		"workflow_id": workflowID,
		"data":        payload,
	})
}

// UpdateDeploymentStatus persists and broadcasts deployment lifecycle changes.
func (b *Broadcaster) UpdateDeploymentStatus(workflowID, status string, data map[string]any, errMsg string) {
	payload := Message{
		"status": status,
		"data":   data,
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	b.mu.Lock()
	b.deploymentStatuses[workflowID] = payload
	b.mu.Unlock()

	msg := Message{
		"type":        "deployment_status",
		"status":      status,
		"workflow_id": workflowID,
		"data":        data,
	}
	if errMsg != "" {
		msg["error"] = errMsg
	}
	b.broadcast(msg)
}

// UpdateAdapterStatus persists and broadcasts an external adapter status
// (messaging, relay, api key). kind names the adapter domain.
func (b *Broadcaster) UpdateAdapterStatus(kind string, data map[string]any) {
	b.mu.Lock()
	b.adapterStatuses[kind] = Message(data)
	b.mu.Unlock()

	msg := Message{"type": kind + "_status"}
	for k, v := range data {
		msg[k] = v
	}
	b.broadcast(msg)
}

// LockWorkflow acquires the advisory lock for a workflow. Returns false when
// the lock is already held. Locks are independent per workflow.
func (b *Broadcaster) LockWorkflow(workflowID, reason string) bool {
	b.mu.Lock()
	if lock, ok := b.locks[workflowID]; ok && lock.Locked {
		b.mu.Unlock()
		return false
	}
	lock := &WorkflowLock{Locked: true, Reason: reason, LockedAt: time.Now().UTC()}
	b.locks[workflowID] = lock
	b.mu.Unlock()

	b.broadcast(Message{
		"type":        "workflow_lock",
		"workflow_id": workflowID,
		"data": Message{
			"locked":    true,
			"reason":    reason,
			"locked_at": lock.LockedAt.Format(time.RFC3339),
		},
	})
	return true
}

// UnlockWorkflow releases the advisory lock for a workflow.
func (b *Broadcaster) UnlockWorkflow(workflowID string) {
	b.mu.Lock()
	delete(b.locks, workflowID)
	b.mu.Unlock()

	b.broadcast(Message{
		"type":        "workflow_lock",
		"workflow_id": workflowID,
		"data":        Message{"locked": false},
	})
}

// WorkflowLocked reports the lock state for a workflow.
func (b *Broadcaster) WorkflowLocked(workflowID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	lock, ok := b.locks[workflowID]
	return ok && lock.Locked
}

// UpdateVariable persists and broadcasts a single variable change.
func (b *Broadcaster) UpdateVariable(name string, value any) {
	b.mu.Lock()
	b.variables[name] = value
	b.mu.Unlock()

	b.broadcast(Message{"type": "variable_update", "name": name, "value": value})
}

// UpdateVariables applies multiple variable changes.
func (b *Broadcaster) UpdateVariables(values map[string]any) {
	for name, value := range values {
		b.UpdateVariable(name, value)
	}
}

// SendCustomEvent broadcasts an arbitrary event AND forwards it into the
// event waiter. This is the bridge by which an external event (e.g. an
// arrived message) unblocks a waiting trigger node.
func (b *Broadcaster) SendCustomEvent(eventType string, data map[string]any) {
	msg := Message{"type": eventType}
	for k, v := range data {
		msg[k] = v
	}
	b.broadcast(msg)

	if b.waiters != nil {
		b.waiters.DispatchAsync(eventType, data)
	}
}
