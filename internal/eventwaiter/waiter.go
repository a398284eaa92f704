// Package eventwaiter tracks pending "waiting for event X matching filter F"
// requests from trigger nodes and resolves them when external adapters
// dispatch matching events.
//
// Two backends are available: an in-memory implementation using single-shot
// promise channels, and a durable implementation over Redis streams with one
// consumer group per waiter. The active mode is exposed for observability.
package eventwaiter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrCancelled resolves waits whose waiter was cancelled, e.g. on deployment
// teardown.
var ErrCancelled = errors.New("event waiter cancelled")

// FilterFunc decides whether a dispatched payload matches a waiter's
// registered parameters.
type FilterFunc func(params map[string]any, payload map[string]any) bool

// TriggerConfig describes how a trigger node type binds to dispatched events.
type TriggerConfig struct {
	EventType   string
	DisplayName string
	Filter      FilterFunc
}

// Registry maps trigger node types to their event binding.
type Registry struct {
	mu      sync.RWMutex
	configs map[string]TriggerConfig
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{configs: make(map[string]TriggerConfig)}
}

// DefaultRegistry returns the built-in trigger bindings.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("webhookTrigger", TriggerConfig{EventType: "webhook", DisplayName: "Webhook"})
	r.Register("socialReceive", TriggerConfig{EventType: "social_message", DisplayName: "Social Message"})
	r.Register("emailReceive", TriggerConfig{EventType: "email", DisplayName: "Email"})
	r.Register("messageReceived", TriggerConfig{EventType: "message", DisplayName: "Message"})
	r.Register("phoneCallTrigger", TriggerConfig{EventType: "phone_call", DisplayName: "Phone Call"})
	return r
}

// Register binds a node type. A nil filter uses SubsetFilter.
func (r *Registry) Register(nodeType string, cfg TriggerConfig) {
	if cfg.Filter == nil {
		cfg.Filter = SubsetFilter
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[nodeType] = cfg
}

// Lookup returns the binding for a node type.
func (r *Registry) Lookup(nodeType string) (TriggerConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[nodeType]
	return cfg, ok
}

// SubsetFilter is the default filter: every scalar parameter of the waiter
// must be present in the payload with a matching string form. Waiters with no
// parameters match every event of their type.
func SubsetFilter(params map[string]any, payload map[string]any) bool {
	for key, want := range params {
		switch want.(type) {
		case string, bool, float64, int:
		default:
			continue
		}
		got, ok := payload[key]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

// result is the single-assignment promise value of a waiter.
type result struct {
	payload map[string]any
	err     error
}

// Waiter is one pending event request. It resolves exactly once.
type Waiter struct {
	ID         string
	NodeType   string
	NodeID     string
	EventType  string
	Parameters map[string]any

	once sync.Once
	ch   chan result
}

func newWaiter(nodeType, nodeID, eventType string, params map[string]any) *Waiter {
	return &Waiter{
		ID:         uuid.NewString(),
		NodeType:   nodeType,
		NodeID:     nodeID,
		EventType:  eventType,
		Parameters: params,
		ch:         make(chan result, 1),
	}
}

// resolve fulfills the promise. Later calls are no-ops.
func (w *Waiter) resolve(payload map[string]any, err error) {
	w.once.Do(func() {
		w.ch <- result{payload: payload, err: err}
	})
}

// Waiters is the event-waiter contract shared by both backends.
type Waiters interface {
	// Mode identifies the active backend ("memory" or "redis-stream").
	Mode() string
	// Register creates a waiter for a trigger node. Returns an error when
	// the node type has no trigger binding.
	Register(ctx context.Context, nodeType, nodeID string, params map[string]any) (*Waiter, error)
	// Wait blocks until the waiter resolves or ctx is done.
	Wait(ctx context.Context, w *Waiter) (map[string]any, error)
	// Dispatch resolves all matching waiters for the event type. Safe to
	// call from any goroutine, including cron callbacks and OS-thread
	// callbacks. Returns the number of waiters resolved locally.
	Dispatch(eventType string, payload map[string]any) int
	// DispatchAsync schedules Dispatch without blocking the caller.
	DispatchAsync(eventType string, payload map[string]any)
	// CancelForNode cancels all waiters for the node, resolving their waits
	// with ErrCancelled. Returns the number cancelled.
	CancelForNode(nodeID string) int
	// Outstanding reports how many waiters are pending.
	Outstanding() int
}
