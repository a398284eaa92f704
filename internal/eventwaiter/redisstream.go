package eventwaiter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"loom/internal/async"
	"loom/internal/logging"
)

// eventStreamKey names the per-event-type Redis stream.
func eventStreamKey(eventType string) string { return "events:" + eventType }

// eventStreamMaxLen bounds each event stream.
const eventStreamMaxLen = 1000

// readBlock is the per-iteration blocking read window. Short enough that
// cancellation is observed promptly.
const readBlock = 1 * time.Second

// RedisWaiters is the durable backend: dispatched events are appended to a
// per-event-type stream and every waiter reads through its own consumer
// group, so an event published before a restart still resolves a re-created
// waiter.
type RedisWaiters struct {
	client   *redis.Client
	registry *Registry
	logger   logging.Logger

	mu      sync.Mutex
	pending map[string]*redisPending // by waiter ID
}

type redisPending struct {
	waiter *Waiter
	cancel context.CancelFunc
}

// NewRedisWaiters builds the Redis-stream backend.
func NewRedisWaiters(client *redis.Client, registry *Registry, logger logging.Logger) *RedisWaiters {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &RedisWaiters{
		client:   client,
		registry: registry,
		logger:   logging.OrNop(logger),
		pending:  make(map[string]*redisPending),
	}
}

func (r *RedisWaiters) Mode() string { return "redis-stream" }

func (r *RedisWaiters) Register(ctx context.Context, nodeType, nodeID string, params map[string]any) (*Waiter, error) {
	cfg, ok := r.registry.Lookup(nodeType)
	if !ok {
		return nil, fmt.Errorf("no trigger binding for node type %q", nodeType)
	}
	w := newWaiter(nodeType, nodeID, cfg.EventType, params)

	stream := eventStreamKey(cfg.EventType)
	group := "waiter:" + w.ID
	if err := r.client.XGroupCreateMkStream(ctx, stream, group, "$").Err(); err != nil && !isBusyGroup(err) {
		return nil, fmt.Errorf("create consumer group for waiter %s: %w", w.ID, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.pending[w.ID] = &redisPending{waiter: w, cancel: cancel}
	r.mu.Unlock()

	async.Go(r.logger, "eventwaiter-read-"+w.ID, func() {
		r.readLoop(readCtx, w, cfg, stream, group)
	})
	return w, nil
}

// readLoop consumes the waiter's group until a matching event arrives or the
// waiter is cancelled, then tears the group down.
func (r *RedisWaiters) readLoop(ctx context.Context, w *Waiter, cfg TriggerConfig, stream, group string) {
	defer func() {
		if err := r.client.XGroupDestroy(context.Background(), stream, group).Err(); err != nil {
			r.logger.Debug("EventWaiter: failed to destroy group %s: %v", group, err)
		}
		r.mu.Lock()
		delete(r.pending, w.ID)
		r.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			w.resolve(nil, ErrCancelled)
			return
		}
		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: "loom",
			Streams:  []string{stream, ">"},
			Count:    16,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			r.logger.Warn("EventWaiter: read error for waiter %s: %v", w.ID, err)
			select {
			case <-ctx.Done():
			case <-time.After(readBlock):
			}
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				r.client.XAck(ctx, stream, group, msg.ID)
				payload := decodeEventPayload(msg.Values)
				if cfg.Filter(w.Parameters, payload) {
					w.resolve(payload, nil)
					return
				}
			}
		}
	}
}

func (r *RedisWaiters) Wait(ctx context.Context, w *Waiter) (map[string]any, error) {
	select {
	case res := <-w.ch:
		return res.payload, res.err
	case <-ctx.Done():
		r.cancelWaiter(w.ID)
		return nil, ctx.Err()
	}
}

func (r *RedisWaiters) Dispatch(eventType string, payload map[string]any) int {
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Warn("EventWaiter: cannot marshal %q payload: %v", eventType, err)
		return 0
	}
	err = r.client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: eventStreamKey(eventType),
		MaxLen: eventStreamMaxLen,
		Approx: true,
		Values: map[string]any{"payload": string(data)},
	}).Err()
	if err != nil {
		r.logger.Error("EventWaiter: failed to publish %q: %v", eventType, err)
		return 0
	}
	// Resolution happens in each waiter's read loop; the publish itself
	// reports no local match count.
	return 0
}

func (r *RedisWaiters) DispatchAsync(eventType string, payload map[string]any) {
	async.Go(r.logger, "eventwaiter-dispatch", func() {
		r.Dispatch(eventType, payload)
	})
}

func (r *RedisWaiters) CancelForNode(nodeID string) int {
	r.mu.Lock()
	var cancels []*redisPending
	for _, p := range r.pending {
		if p.waiter.NodeID == nodeID {
			cancels = append(cancels, p)
		}
	}
	r.mu.Unlock()

	for _, p := range cancels {
		p.cancel()
	}
	return len(cancels)
}

func (r *RedisWaiters) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *RedisWaiters) cancelWaiter(waiterID string) {
	r.mu.Lock()
	p, ok := r.pending[waiterID]
	r.mu.Unlock()
	if ok {
		p.cancel()
	}
}

func decodeEventPayload(values map[string]any) map[string]any {
	raw, _ := values["payload"].(string)
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return map[string]any{}
	}
	return payload
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}
