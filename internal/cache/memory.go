package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"loom/internal/logging"
)

// memoryResultCacheSize bounds the fallback result cache.
const memoryResultCacheSize = 4096

// MemoryCache is the in-process fallback backend for degraded mode. TTLs and
// stream durability are not guaranteed; locks are cooperative in-process
// mutexes, so multi-replica coordination is unavailable in this mode.
type MemoryCache struct {
	mu sync.RWMutex

	states      map[string]*State
	active      map[string]bool
	results     *lru.Cache[string, map[string]any]
	heartbeats  map[string]time.Time
	events      map[string][]memoryEvent
	checkpoints map[string][]string
	dlq         map[string]*DLQEntry

	locksMu sync.Mutex
	locks   map[string]*memoryLockState

	logger logging.Logger
}

type memoryEvent struct {
	Type      string
	Data      map[string]any
	Timestamp time.Time
}

type memoryLockState struct {
	held  bool
	queue []chan struct{}
}

// NewMemoryCache builds the fallback backend.
func NewMemoryCache(logger logging.Logger) *MemoryCache {
	results, _ := lru.New[string, map[string]any](memoryResultCacheSize)
	return &MemoryCache{
		states:      make(map[string]*State),
		active:      make(map[string]bool),
		results:     results,
		heartbeats:  make(map[string]time.Time),
		events:      make(map[string][]memoryEvent),
		checkpoints: make(map[string][]string),
		dlq:         make(map[string]*DLQEntry),
		locks:       make(map[string]*memoryLockState),
		logger:      logging.OrNop(logger),
	}
}

func (c *MemoryCache) Mode() string { return "memory" }

func (c *MemoryCache) Close() error { return nil }

func (c *MemoryCache) SaveExecutionState(_ context.Context, state *State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := *state
	c.states[state.ExecutionID] = &copied
	switch state.Status {
	case "completed", "failed", "cancelled":
		delete(c.active, state.ExecutionID)
	case "running":
		c.active[state.ExecutionID] = true
	}
	return nil
}

func (c *MemoryCache) LoadExecutionState(_ context.Context, executionID string) *State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, ok := c.states[executionID]
	if !ok {
		return nil
	}
	copied := *state
	return &copied
}

func (c *MemoryCache) ActiveExecutions(_ context.Context) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	return ids
}

func (c *MemoryCache) RemoveActiveExecution(_ context.Context, executionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, executionID)
}

func (c *MemoryCache) GetCachedResult(_ context.Context, executionID, nodeID, inputHash string) map[string]any {
	result, ok := c.results.Get(resultKey(executionID, nodeID, inputHash))
	if !ok {
		return nil
	}
	copied := make(map[string]any, len(result))
	for k, v := range result {
		copied[k] = v
	}
	return copied
}

func (c *MemoryCache) SetCachedResult(_ context.Context, executionID, nodeID, inputHash string, result map[string]any) {
	copied := make(map[string]any, len(result))
	for k, v := range result {
		copied[k] = v
	}
	c.results.Add(resultKey(executionID, nodeID, inputHash), copied)
}

type memoryLock struct {
	cache *MemoryCache
	name  string
}

func (l *memoryLock) Name() string { return l.name }

func (l *memoryLock) Release(_ context.Context) {
	l.cache.locksMu.Lock()
	defer l.cache.locksMu.Unlock()
	state, ok := l.cache.locks[l.name]
	if !ok || !state.held {
		return
	}
	if len(state.queue) > 0 {
		next := state.queue[0]
		state.queue = state.queue[1:]
		close(next)
		return
	}
	state.held = false
}

func (c *MemoryCache) AcquireLock(ctx context.Context, name string, timeout time.Duration) (Lock, error) {
	c.locksMu.Lock()
	state, ok := c.locks[name]
	if !ok {
		state = &memoryLockState{}
		c.locks[name] = state
	}
	if !state.held {
		state.held = true
		c.locksMu.Unlock()
		return &memoryLock{cache: c, name: name}, nil
	}
	wait := make(chan struct{})
	state.queue = append(state.queue, wait)
	c.locksMu.Unlock()

	select {
	case <-wait:
		return &memoryLock{cache: c, name: name}, nil
	case <-time.After(timeout):
		c.abandonWait(name, wait)
		return nil, ErrLockTimeout
	case <-ctx.Done():
		c.abandonWait(name, wait)
		return nil, ctx.Err()
	}
}

// abandonWait removes a timed-out waiter unless ownership was already handed
// to it, in which case the lock is passed along or released.
func (c *MemoryCache) abandonWait(name string, wait chan struct{}) {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	state, ok := c.locks[name]
	if !ok {
		return
	}
	for i, queued := range state.queue {
		if queued == wait {
			state.queue = append(state.queue[:i], state.queue[i+1:]...)
			return
		}
	}
	// Not in queue: the release already handed us the lock. Pass it on.
	select {
	case <-wait:
		if len(state.queue) > 0 {
			next := state.queue[0]
			state.queue = state.queue[1:]
			close(next)
		} else {
			state.held = false
		}
	default:
	}
}

func (c *MemoryCache) UpdateHeartbeat(_ context.Context, executionID, nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heartbeats[heartbeatKey(executionID, nodeID)] = time.Now().UTC()
}

func (c *MemoryCache) GetHeartbeat(_ context.Context, executionID, nodeID string) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.heartbeats[heartbeatKey(executionID, nodeID)]
}

func (c *MemoryCache) AddEvent(_ context.Context, executionID, eventType string, data map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := executionEventsKey(executionID)
	events := append(c.events[key], memoryEvent{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	if len(events) > EventStreamMaxLen {
		events = events[len(events)-EventStreamMaxLen:]
	}
	c.events[key] = events
}

func (c *MemoryCache) AddCheckpoint(_ context.Context, txnID, nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := txnCheckpointsKey(txnID)
	c.checkpoints[key] = append(c.checkpoints[key], nodeID)
}

func (c *MemoryCache) Checkpoints(_ context.Context, txnID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	checkpoints := c.checkpoints[txnCheckpointsKey(txnID)]
	out := make([]string, len(checkpoints))
	copy(out, checkpoints)
	return out
}

func (c *MemoryCache) AddToDLQ(_ context.Context, entry *DLQEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := *entry
	c.dlq[entry.ID] = &copied
	return nil
}

func (c *MemoryCache) GetDLQEntry(_ context.Context, entryID string) *DLQEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.dlq[entryID]
	if !ok {
		return nil
	}
	copied := *entry
	return &copied
}

func (c *MemoryCache) GetDLQEntries(_ context.Context, filter DLQFilter) []*DLQEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var entries []*DLQEntry
	for _, entry := range c.dlq {
		if filter.WorkflowID != "" && entry.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.NodeType != "" && entry.NodeType != filter.NodeType {
			continue
		}
		copied := *entry
		entries = append(entries, &copied)
		if filter.Limit > 0 && len(entries) >= filter.Limit {
			break
		}
	}
	return entries
}

func (c *MemoryCache) UpdateDLQEntry(_ context.Context, entry *DLQEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := *entry
	c.dlq[entry.ID] = &copied
	return nil
}

func (c *MemoryCache) RemoveFromDLQ(_ context.Context, entryID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.dlq, entryID)
	return nil
}

func (c *MemoryCache) PurgeDLQ(ctx context.Context, filter DLQFilter) int {
	entries := c.GetDLQEntries(ctx, filter)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range entries {
		delete(c.dlq, entry.ID)
	}
	return len(entries)
}

func (c *MemoryCache) GetDLQStats(_ context.Context) DLQStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := DLQStats{
		ByWorkflow: make(map[string]int),
		ByNodeType: make(map[string]int),
	}
	for _, entry := range c.dlq {
		stats.Total++
		stats.ByWorkflow[entry.WorkflowID]++
		stats.ByNodeType[entry.NodeType]++
	}
	return stats
}
