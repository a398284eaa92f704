package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"loom/internal/logging"
)

// releaseScript deletes the lock key only when the stored token matches the
// caller's, so a lock that expired and was re-acquired elsewhere is never
// released by the old owner.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisCache is the durable Cache backend over Redis.
type RedisCache struct {
	client *redis.Client
	logger logging.Logger
}

// NewRedisCache wraps an existing Redis client. Callers own the client's
// lifecycle unless Close is used.
func NewRedisCache(client *redis.Client, logger logging.Logger) *RedisCache {
	return &RedisCache{
		client: client,
		logger: logging.OrNop(logger),
	}
}

// Mode identifies the backend.
func (c *RedisCache) Mode() string { return "redis" }

// Close closes the underlying client.
func (c *RedisCache) Close() error { return c.client.Close() }

// Ping verifies connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) SaveExecutionState(ctx context.Context, state *State) error {
	key := executionStateKey(state.ExecutionID)
	fields := map[string]any{
		"execution_id":    state.ExecutionID,
		"workflow_id":     state.WorkflowID,
		"session_id":      state.SessionID,
		"status":          state.Status,
		"node_count":      state.NodeCount,
		"edge_count":      state.EdgeCount,
		"node_executions": state.NodeExecutionsJSON,
		"outputs":         state.OutputsJSON,
		"checkpoints":     state.CheckpointsJSON,
		"errors":          state.ErrorsJSON,
		"created_at":      state.CreatedAt,
		"updated_at":      state.UpdatedAt,
		"started_at":      state.StartedAt,
		"completed_at":    state.CompletedAt,
	}

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, fields)
	switch state.Status {
	case "completed", "failed", "cancelled":
		pipe.SRem(ctx, activeExecutionsKey, state.ExecutionID)
		pipe.Expire(ctx, key, TerminalStateTTL)
	case "running":
		pipe.SAdd(ctx, activeExecutionsKey, state.ExecutionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Error("Cache: failed to save execution state %s: %v", state.ExecutionID, err)
		return err
	}
	return nil
}

func (c *RedisCache) LoadExecutionState(ctx context.Context, executionID string) *State {
	fields, err := c.client.HGetAll(ctx, executionStateKey(executionID)).Result()
	if err != nil {
		c.logger.Error("Cache: failed to load execution state %s: %v", executionID, err)
		return nil
	}
	if len(fields) == 0 {
		return nil
	}
	state := &State{
		ExecutionID:        fields["execution_id"],
		WorkflowID:         fields["workflow_id"],
		SessionID:          fields["session_id"],
		Status:             fields["status"],
		NodeExecutionsJSON: fields["node_executions"],
		OutputsJSON:        fields["outputs"],
		CheckpointsJSON:    fields["checkpoints"],
		ErrorsJSON:         fields["errors"],
		CreatedAt:          fields["created_at"],
		UpdatedAt:          fields["updated_at"],
		StartedAt:          fields["started_at"],
		CompletedAt:        fields["completed_at"],
	}
	state.NodeCount = atoi(fields["node_count"])
	state.EdgeCount = atoi(fields["edge_count"])
	return state
}

func (c *RedisCache) ActiveExecutions(ctx context.Context) []string {
	ids, err := c.client.SMembers(ctx, activeExecutionsKey).Result()
	if err != nil {
		c.logger.Error("Cache: failed to list active executions: %v", err)
		return nil
	}
	return ids
}

func (c *RedisCache) RemoveActiveExecution(ctx context.Context, executionID string) {
	if err := c.client.SRem(ctx, activeExecutionsKey, executionID).Err(); err != nil {
		c.logger.Warn("Cache: failed to remove active execution %s: %v", executionID, err)
	}
}

func (c *RedisCache) GetCachedResult(ctx context.Context, executionID, nodeID, inputHash string) map[string]any {
	raw, err := c.client.Get(ctx, resultKey(executionID, nodeID, inputHash)).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("Cache: result lookup failed for %s/%s: %v", executionID, nodeID, err)
		}
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		c.logger.Warn("Cache: corrupt cached result for %s/%s: %v", executionID, nodeID, err)
		return nil
	}
	return result
}

func (c *RedisCache) SetCachedResult(ctx context.Context, executionID, nodeID, inputHash string, result map[string]any) {
	data, err := json.Marshal(result)
	if err != nil {
		c.logger.Warn("Cache: failed to marshal result for %s/%s: %v", executionID, nodeID, err)
		return
	}
	if err := c.client.Set(ctx, resultKey(executionID, nodeID, inputHash), data, ResultTTL).Err(); err != nil {
		c.logger.Warn("Cache: failed to store result for %s/%s: %v", executionID, nodeID, err)
	}
}

type redisLock struct {
	cache *RedisCache
	name  string
	token string
	ttl   time.Duration
}

func (l *redisLock) Name() string { return l.name }

func (l *redisLock) Release(ctx context.Context) {
	if err := releaseScript.Run(ctx, l.cache.client, []string{lockKey(l.name)}, l.token).Err(); err != nil && err != redis.Nil {
		l.cache.logger.Warn("Cache: failed to release lock %q: %v", l.name, err)
	}
}

// lockTTL bounds how long an acquired lock survives a crashed owner.
const lockTTL = 30 * time.Second

// lockRetryDelay paces acquisition attempts while the lock is contended.
const lockRetryDelay = 100 * time.Millisecond

func (c *RedisCache) AcquireLock(ctx context.Context, name string, timeout time.Duration) (Lock, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(timeout)
	for {
		ok, err := c.client.SetNX(ctx, lockKey(name), token, lockTTL).Result()
		if err != nil {
			c.logger.Error("Cache: lock %q acquisition error: %v", name, err)
			return nil, err
		}
		if ok {
			return &redisLock{cache: c, name: name, token: token, ttl: lockTTL}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryDelay):
		}
	}
}

func (c *RedisCache) UpdateHeartbeat(ctx context.Context, executionID, nodeID string) {
	value := time.Now().UTC().Format(time.RFC3339Nano)
	if err := c.client.Set(ctx, heartbeatKey(executionID, nodeID), value, HeartbeatTTL).Err(); err != nil {
		c.logger.Warn("Cache: failed to update heartbeat %s/%s: %v", executionID, nodeID, err)
	}
}

func (c *RedisCache) GetHeartbeat(ctx context.Context, executionID, nodeID string) time.Time {
	raw, err := c.client.Get(ctx, heartbeatKey(executionID, nodeID)).Result()
	if err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (c *RedisCache) AddEvent(ctx context.Context, executionID, eventType string, data map[string]any) {
	payload, err := json.Marshal(data)
	if err != nil {
		payload = []byte("{}")
	}
	err = c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: executionEventsKey(executionID),
		MaxLen: EventStreamMaxLen,
		Approx: true,
		Values: map[string]any{
			"type":      eventType,
			"data":      string(payload),
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		c.logger.Debug("Cache: failed to append event %q for %s: %v", eventType, executionID, err)
	}
}

func (c *RedisCache) AddCheckpoint(ctx context.Context, txnID, nodeID string) {
	key := txnCheckpointsKey(txnID)
	pipe := c.client.TxPipeline()
	pipe.RPush(ctx, key, nodeID)
	pipe.Expire(ctx, key, TerminalStateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Debug("Cache: failed to append checkpoint for txn %s: %v", txnID, err)
	}
}

func (c *RedisCache) Checkpoints(ctx context.Context, txnID string) []string {
	items, err := c.client.LRange(ctx, txnCheckpointsKey(txnID), 0, -1).Result()
	if err != nil {
		return nil
	}
	return items
}

func (c *RedisCache) AddToDLQ(ctx context.Context, entry *DLQEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		c.logger.Error("Cache: failed to marshal DLQ entry %s: %v", entry.ID, err)
		return err
	}
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, dlqEntryKey(entry.ID), data, DLQEntryTTL)
	pipe.SAdd(ctx, dlqAllKey, entry.ID)
	pipe.SAdd(ctx, dlqWorkflowKey(entry.WorkflowID), entry.ID)
	pipe.SAdd(ctx, dlqNodeTypeKey(entry.NodeType), entry.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Error("Cache: failed to store DLQ entry %s: %v", entry.ID, err)
		return err
	}
	return nil
}

func (c *RedisCache) GetDLQEntry(ctx context.Context, entryID string) *DLQEntry {
	raw, err := c.client.Get(ctx, dlqEntryKey(entryID)).Result()
	if err != nil {
		return nil
	}
	var entry DLQEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		c.logger.Warn("Cache: corrupt DLQ entry %s: %v", entryID, err)
		return nil
	}
	return &entry
}

func (c *RedisCache) GetDLQEntries(ctx context.Context, filter DLQFilter) []*DLQEntry {
	ids := c.dlqIndex(ctx, filter)
	entries := make([]*DLQEntry, 0, len(ids))
	for _, id := range ids {
		entry := c.GetDLQEntry(ctx, id)
		if entry == nil {
			// Entry expired out from under its index; trim lazily.
			c.client.SRem(ctx, dlqAllKey, id)
			continue
		}
		if filter.WorkflowID != "" && entry.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.NodeType != "" && entry.NodeType != filter.NodeType {
			continue
		}
		entries = append(entries, entry)
		if filter.Limit > 0 && len(entries) >= filter.Limit {
			break
		}
	}
	return entries
}

func (c *RedisCache) dlqIndex(ctx context.Context, filter DLQFilter) []string {
	key := dlqAllKey
	if filter.WorkflowID != "" {
		key = dlqWorkflowKey(filter.WorkflowID)
	} else if filter.NodeType != "" {
		key = dlqNodeTypeKey(filter.NodeType)
	}
	ids, err := c.client.SMembers(ctx, key).Result()
	if err != nil {
		c.logger.Warn("Cache: failed to read DLQ index %s: %v", key, err)
		return nil
	}
	return ids
}

func (c *RedisCache) UpdateDLQEntry(ctx context.Context, entry *DLQEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, dlqEntryKey(entry.ID), data, DLQEntryTTL).Err(); err != nil {
		c.logger.Error("Cache: failed to update DLQ entry %s: %v", entry.ID, err)
		return err
	}
	return nil
}

func (c *RedisCache) RemoveFromDLQ(ctx context.Context, entryID string) error {
	entry := c.GetDLQEntry(ctx, entryID)
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, dlqEntryKey(entryID))
	pipe.SRem(ctx, dlqAllKey, entryID)
	if entry != nil {
		pipe.SRem(ctx, dlqWorkflowKey(entry.WorkflowID), entryID)
		pipe.SRem(ctx, dlqNodeTypeKey(entry.NodeType), entryID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("Cache: failed to remove DLQ entry %s: %v", entryID, err)
		return err
	}
	return nil
}

func (c *RedisCache) PurgeDLQ(ctx context.Context, filter DLQFilter) int {
	entries := c.GetDLQEntries(ctx, filter)
	purged := 0
	for _, entry := range entries {
		if err := c.RemoveFromDLQ(ctx, entry.ID); err == nil {
			purged++
		}
	}
	return purged
}

func (c *RedisCache) GetDLQStats(ctx context.Context) DLQStats {
	stats := DLQStats{
		ByWorkflow: make(map[string]int),
		ByNodeType: make(map[string]int),
	}
	for _, entry := range c.GetDLQEntries(ctx, DLQFilter{}) {
		stats.Total++
		stats.ByWorkflow[entry.WorkflowID]++
		stats.ByNodeType[entry.NodeType]++
	}
	return stats
}

func atoi(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return n
		}
		n = n*10 + int(r-'0')
	}
	return n
}
