// Package recovery watches the active execution set and flags runs whose
// nodes stopped heartbeating, so the host can resume them.
package recovery

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"loom/internal/async"
	"loom/internal/cache"
	"loom/internal/execution"
	"loom/internal/logging"
)

// RecoverFunc is invoked for each execution judged stale. Implementations
// typically re-supply the structural graph and call the executor's recovery
// entry point.
type RecoverFunc func(ctx context.Context, executionID string)

// Settings tunes the sweeper.
type Settings struct {
	// SweepInterval is the pause between sweeps.
	SweepInterval time.Duration
	// HeartbeatTimeout is how long a running node may go without a heartbeat
	// before its execution is considered stale.
	HeartbeatTimeout time.Duration
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		SweepInterval:    60 * time.Second,
		HeartbeatTimeout: 300 * time.Second,
	}
}

// Sweeper periodically scans executions:active for interrupted runs.
type Sweeper struct {
	cache    cache.Cache
	recover  RecoverFunc
	settings Settings
	logger   logging.Logger

	stopOnce sync.Once
	stop     chan struct{}
	stopped  chan struct{}
}

// New builds a sweeper. recover may be nil, in which case stale executions
// are only logged.
func New(c cache.Cache, recoverFn RecoverFunc, settings Settings, logger logging.Logger) *Sweeper {
	if settings.SweepInterval <= 0 {
		settings.SweepInterval = DefaultSettings().SweepInterval
	}
	if settings.HeartbeatTimeout <= 0 {
		settings.HeartbeatTimeout = DefaultSettings().HeartbeatTimeout
	}
	return &Sweeper{
		cache:    c,
		recover:  recoverFn,
		settings: settings,
		logger:   logging.OrNop(logger),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	async.Go(s.logger, "recovery-sweeper", func() {
		defer close(s.stopped)
		ticker := time.NewTicker(s.settings.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	})
}

// Stop halts the sweep loop and waits for it to exit. Safe to call multiple
// times.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.stopped
}

// Sweep runs one pass: executions no longer running are dropped from the
// active set; running nodes with expired heartbeats mark their execution
// stale and invoke the recovery callback.
func (s *Sweeper) Sweep(ctx context.Context) []string {
	var stale []string
	for _, executionID := range s.cache.ActiveExecutions(ctx) {
		state := s.cache.LoadExecutionState(ctx, executionID)
		if state == nil {
			s.logger.Warn("Sweeper: active execution %s has no state, removing", executionID)
			s.cache.RemoveActiveExecution(ctx, executionID)
			continue
		}
		if execution.Status(state.Status) != execution.StatusRunning {
			s.cache.RemoveActiveExecution(ctx, executionID)
			continue
		}
		if s.isStale(ctx, state) {
			stale = append(stale, executionID)
			s.logger.Warn("Sweeper: execution %s is stale, triggering recovery", executionID)
			if s.recover != nil {
				s.recover(ctx, executionID)
			}
		}
	}
	return stale
}

// isStale reports whether any running node of the execution has gone silent
// longer than the heartbeat timeout. A missing heartbeat falls back to the
// node's started_at.
func (s *Sweeper) isStale(ctx context.Context, state *cache.State) bool {
	if state.NodeExecutionsJSON == "" {
		return false
	}
	var records map[string]*execution.NodeExecution
	if err := json.Unmarshal([]byte(state.NodeExecutionsJSON), &records); err != nil {
		s.logger.Warn("Sweeper: cannot decode node executions for %s: %v", state.ExecutionID, err)
		return false
	}

	now := time.Now().UTC()
	for nodeID, rec := range records {
		if rec.Status != execution.NodeRunning {
			continue
		}
		last := s.cache.GetHeartbeat(ctx, state.ExecutionID, nodeID)
		if last.IsZero() {
			last = rec.StartedAt
		}
		if last.IsZero() {
			continue
		}
		if now.Sub(last) > s.settings.HeartbeatTimeout {
			return true
		}
	}
	return false
}

// ScanOnStartup returns active executions whose last state update is older
// than the heartbeat timeout. The host enqueues these for recovery before
// accepting new work.
func (s *Sweeper) ScanOnStartup(ctx context.Context) []string {
	var orphans []string
	cutoff := time.Now().UTC().Add(-s.settings.HeartbeatTimeout)
	for _, executionID := range s.cache.ActiveExecutions(ctx) {
		state := s.cache.LoadExecutionState(ctx, executionID)
		if state == nil {
			s.cache.RemoveActiveExecution(ctx, executionID)
			continue
		}
		updated, err := time.Parse(time.RFC3339Nano, state.UpdatedAt)
		if err != nil {
			continue
		}
		if updated.Before(cutoff) {
			orphans = append(orphans, executionID)
		}
	}
	return orphans
}
