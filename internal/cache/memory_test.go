package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStateAndActiveSet(t *testing.T) {
	c := NewMemoryCache(nil)
	ctx := context.Background()

	if c.LoadExecutionState(ctx, "missing") != nil {
		t.Error("missing state should load nil")
	}

	state := &State{ExecutionID: "e1", WorkflowID: "wf1", Status: "running"}
	if err := c.SaveExecutionState(ctx, state); err != nil {
		t.Fatal(err)
	}
	if got := c.ActiveExecutions(ctx); len(got) != 1 || got[0] != "e1" {
		t.Errorf("active = %v, want [e1]", got)
	}

	loaded := c.LoadExecutionState(ctx, "e1")
	if loaded == nil || loaded.WorkflowID != "wf1" {
		t.Fatalf("loaded = %+v", loaded)
	}
	// Loads return copies.
	loaded.WorkflowID = "mutated"
	if c.LoadExecutionState(ctx, "e1").WorkflowID != "wf1" {
		t.Error("LoadExecutionState must not alias stored state")
	}

	state.Status = "completed"
	_ = c.SaveExecutionState(ctx, state)
	if got := c.ActiveExecutions(ctx); len(got) != 0 {
		t.Errorf("terminal state left execution active: %v", got)
	}

	state.Status = "running"
	_ = c.SaveExecutionState(ctx, state)
	c.RemoveActiveExecution(ctx, "e1")
	if got := c.ActiveExecutions(ctx); len(got) != 0 {
		t.Errorf("RemoveActiveExecution did not remove: %v", got)
	}
}

func TestMemoryResultCache(t *testing.T) {
	c := NewMemoryCache(nil)
	ctx := context.Background()

	if c.GetCachedResult(ctx, "e1", "n1", "abc") != nil {
		t.Error("miss should return nil")
	}
	c.SetCachedResult(ctx, "e1", "n1", "abc", map[string]any{"v": 1})
	result := c.GetCachedResult(ctx, "e1", "n1", "abc")
	if result == nil || result["v"] != 1 {
		t.Fatalf("result = %v", result)
	}
	result["v"] = 2
	if c.GetCachedResult(ctx, "e1", "n1", "abc")["v"] != 1 {
		t.Error("cached result must not alias the returned map")
	}
	if c.GetCachedResult(ctx, "e1", "n1", "other") != nil {
		t.Error("different input hash must miss")
	}
}

func TestMemoryLockMutualExclusion(t *testing.T) {
	c := NewMemoryCache(nil)
	ctx := context.Background()

	lock, err := c.AcquireLock(ctx, "execution:e1:decide", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if lock.Name() != "execution:e1:decide" {
		t.Errorf("lock name = %s", lock.Name())
	}

	// Second acquisition times out while the first holds.
	if _, err := c.AcquireLock(ctx, "execution:e1:decide", 50*time.Millisecond); err != ErrLockTimeout {
		t.Fatalf("contended acquire err = %v, want ErrLockTimeout", err)
	}

	// Release hands off to a queued waiter.
	acquired := make(chan Lock, 1)
	go func() {
		l, err := c.AcquireLock(ctx, "execution:e1:decide", 2*time.Second)
		if err != nil {
			t.Errorf("queued acquire failed: %v", err)
		}
		acquired <- l
	}()
	time.Sleep(50 * time.Millisecond)
	lock.Release(ctx)

	select {
	case l := <-acquired:
		l.Release(ctx)
	case <-time.After(2 * time.Second):
		t.Fatal("release did not hand off to waiter")
	}

	// After the final release a fresh acquire succeeds immediately.
	l3, err := c.AcquireLock(ctx, "execution:e1:decide", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("post-release acquire failed: %v", err)
	}
	l3.Release(ctx)
}

func TestMemoryLockContextCancel(t *testing.T) {
	c := NewMemoryCache(nil)
	ctx := context.Background()
	lock, _ := c.AcquireLock(ctx, "l", time.Second)
	defer lock.Release(ctx)

	cancelCtx, cancel := context.WithCancel(ctx)
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	if _, err := c.AcquireLock(cancelCtx, "l", 5*time.Second); err != context.Canceled {
		t.Errorf("cancelled acquire err = %v, want context.Canceled", err)
	}
}

func TestMemoryHeartbeats(t *testing.T) {
	c := NewMemoryCache(nil)
	ctx := context.Background()

	if !c.GetHeartbeat(ctx, "e1", "n1").IsZero() {
		t.Error("absent heartbeat should be zero")
	}
	before := time.Now().UTC().Add(-time.Second)
	c.UpdateHeartbeat(ctx, "e1", "n1")
	hb := c.GetHeartbeat(ctx, "e1", "n1")
	if hb.Before(before) {
		t.Errorf("heartbeat %v not refreshed", hb)
	}
}

func TestMemoryCheckpoints(t *testing.T) {
	c := NewMemoryCache(nil)
	ctx := context.Background()
	c.AddCheckpoint(ctx, "t1", "a")
	c.AddCheckpoint(ctx, "t1", "b")
	got := c.Checkpoints(ctx, "t1")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("checkpoints = %v, want [a b]", got)
	}
	if len(c.Checkpoints(ctx, "other")) != 0 {
		t.Error("unknown transaction should have no checkpoints")
	}
}

func TestMemoryDLQ(t *testing.T) {
	c := NewMemoryCache(nil)
	ctx := context.Background()

	entries := []*DLQEntry{
		{ID: "d1", WorkflowID: "wf1", NodeType: "httpRequest", Error: "boom"},
		{ID: "d2", WorkflowID: "wf1", NodeType: "llmChat", Error: "boom"},
		{ID: "d3", WorkflowID: "wf2", NodeType: "httpRequest", Error: "boom"},
	}
	for _, e := range entries {
		if err := c.AddToDLQ(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	if got := c.GetDLQEntry(ctx, "d2"); got == nil || got.NodeType != "llmChat" {
		t.Fatalf("GetDLQEntry(d2) = %+v", got)
	}
	if c.GetDLQEntry(ctx, "nope") != nil {
		t.Error("missing entry should be nil")
	}

	if got := c.GetDLQEntries(ctx, DLQFilter{WorkflowID: "wf1"}); len(got) != 2 {
		t.Errorf("workflow filter returned %d entries", len(got))
	}
	if got := c.GetDLQEntries(ctx, DLQFilter{NodeType: "httpRequest"}); len(got) != 2 {
		t.Errorf("node type filter returned %d entries", len(got))
	}
	if got := c.GetDLQEntries(ctx, DLQFilter{Limit: 1}); len(got) != 1 {
		t.Errorf("limit filter returned %d entries", len(got))
	}

	updated := *entries[0]
	updated.RetryCount = 4
	if err := c.UpdateDLQEntry(ctx, &updated); err != nil {
		t.Fatal(err)
	}
	if c.GetDLQEntry(ctx, "d1").RetryCount != 4 {
		t.Error("update not applied")
	}

	stats := c.GetDLQStats(ctx)
	if stats.Total != 3 || stats.ByWorkflow["wf1"] != 2 || stats.ByNodeType["httpRequest"] != 2 {
		t.Errorf("stats = %+v", stats)
	}

	if err := c.RemoveFromDLQ(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	if c.GetDLQEntry(ctx, "d1") != nil {
		t.Error("removed entry still present")
	}

	if purged := c.PurgeDLQ(ctx, DLQFilter{WorkflowID: "wf1"}); purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
	if c.GetDLQStats(ctx).Total != 1 {
		t.Errorf("after purge total = %d, want 1", c.GetDLQStats(ctx).Total)
	}
}
