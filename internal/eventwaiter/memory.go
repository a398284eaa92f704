package eventwaiter

import (
	"context"
	"fmt"
	"sync"

	"loom/internal/async"
	"loom/internal/logging"
)

// MemoryWaiters is the in-memory backend: waiters live in process and resolve
// through single-shot promise channels.
type MemoryWaiters struct {
	mu       sync.Mutex
	registry *Registry
	// waiters grouped by event type; each group keyed by waiter ID so
	// registration is idempotent.
	waiters map[string]map[string]*Waiter
	logger  logging.Logger
}

// NewMemoryWaiters builds the in-memory backend over the given trigger
// registry.
func NewMemoryWaiters(registry *Registry, logger logging.Logger) *MemoryWaiters {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &MemoryWaiters{
		registry: registry,
		waiters:  make(map[string]map[string]*Waiter),
		logger:   logging.OrNop(logger),
	}
}

func (m *MemoryWaiters) Mode() string { return "memory" }

func (m *MemoryWaiters) Register(_ context.Context, nodeType, nodeID string, params map[string]any) (*Waiter, error) {
	cfg, ok := m.registry.Lookup(nodeType)
	if !ok {
		return nil, fmt.Errorf("no trigger binding for node type %q", nodeType)
	}
	w := newWaiter(nodeType, nodeID, cfg.EventType, params)

	m.mu.Lock()
	defer m.mu.Unlock()
	group := m.waiters[cfg.EventType]
	if group == nil {
		group = make(map[string]*Waiter)
		m.waiters[cfg.EventType] = group
	}
	if _, dup := group[w.ID]; !dup {
		group[w.ID] = w
	}
	m.logger.Debug("EventWaiter: registered waiter %s (node=%s type=%s event=%s)", w.ID, nodeID, nodeType, cfg.EventType)
	return w, nil
}

func (m *MemoryWaiters) Wait(ctx context.Context, w *Waiter) (map[string]any, error) {
	select {
	case res := <-w.ch:
		return res.payload, res.err
	case <-ctx.Done():
		m.remove(w)
		return nil, ctx.Err()
	}
}

// Dispatch resolves every waiter of the event type whose filter accepts the
// payload. O(n) over outstanding waiters of that type; each matched waiter is
// resolved exactly once and removed.
func (m *MemoryWaiters) Dispatch(eventType string, payload map[string]any) int {
	m.mu.Lock()
	var matched []*Waiter
	for _, w := range m.waiters[eventType] {
		cfg, ok := m.registry.Lookup(w.NodeType)
		if !ok {
			continue
		}
		if cfg.Filter(w.Parameters, payload) {
			matched = append(matched, w)
			delete(m.waiters[eventType], w.ID)
		}
	}
	m.mu.Unlock()

	for _, w := range matched {
		w.resolve(payload, nil)
	}
	if len(matched) > 0 {
		m.logger.Debug("EventWaiter: dispatched %q to %d waiter(s)", eventType, len(matched))
	}
	return len(matched)
}

func (m *MemoryWaiters) DispatchAsync(eventType string, payload map[string]any) {
	async.Go(m.logger, "eventwaiter-dispatch", func() {
		m.Dispatch(eventType, payload)
	})
}

func (m *MemoryWaiters) CancelForNode(nodeID string) int {
	m.mu.Lock()
	var cancelled []*Waiter
	for _, group := range m.waiters {
		for id, w := range group {
			if w.NodeID == nodeID {
				cancelled = append(cancelled, w)
				delete(group, id)
			}
		}
	}
	m.mu.Unlock()

	for _, w := range cancelled {
		w.resolve(nil, ErrCancelled)
	}
	return len(cancelled)
}

func (m *MemoryWaiters) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, group := range m.waiters {
		total += len(group)
	}
	return total
}

func (m *MemoryWaiters) remove(w *Waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if group, ok := m.waiters[w.EventType]; ok {
		delete(group, w.ID)
	}
}
