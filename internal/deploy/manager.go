// Package deploy keeps workflows live: it owns per-workflow deployments, the
// trigger machinery that fires runs (cron, start, event listeners), and the
// cancel cascade that tears everything down.
package deploy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"loom/internal/engine"
	"loom/internal/eventwaiter"
	"loom/internal/execution"
	"loom/internal/graph"
	"loom/internal/logging"
	"loom/internal/metrics"
)

// StatusSink receives deployment lifecycle updates. Satisfied by the status
// broadcaster; nil disables broadcasting.
type StatusSink interface {
	UpdateNodeStatus(nodeID, status string, data map[string]any, workflowID string)
	UpdateDeploymentStatus(workflowID, status string, data map[string]any, errMsg string)
}

type nopSink struct{}

func (nopSink) UpdateNodeStatus(string, string, map[string]any, string)       {}
func (nopSink) UpdateDeploymentStatus(string, string, map[string]any, string) {}

// Settings tunes one deployment.
type Settings struct {
	// StopOnError is advisory for callers inspecting deployment state; the
	// executor always stops a single run on first exhausted failure.
	StopOnError bool `json:"stop_on_error"`
	// MaxConcurrentRuns bounds simultaneous runs per deployment.
	MaxConcurrentRuns int `json:"max_concurrent_runs"`
}

// DefaultSettings returns the per-deployment defaults.
func DefaultSettings() Settings {
	return Settings{StopOnError: true, MaxConcurrentRuns: 10}
}

// DeployResult is the deploy operation response.
type DeployResult struct {
	Success      bool             `json:"success"`
	DeploymentID string           `json:"deployment_id"`
	WorkflowID   string           `json:"workflow_id"`
	Triggers     []map[string]any `json:"triggers"`
}

// CancelResult reports what the cancel cascade tore down.
type CancelResult struct {
	Success            bool `json:"success"`
	RunsCancelled      int  `json:"runs_cancelled"`
	ListenersCancelled int  `json:"listeners_cancelled"`
	CronsCancelled     int  `json:"crons_cancelled"`
	WaitersCancelled   int  `json:"waiters_cancelled"`
}

// deployment is the live state of one deployed workflow.
type deployment struct {
	deploymentID string
	workflowID   string
	sessionID    string
	nodes        []graph.Node
	edges        []graph.Edge
	settings     Settings
	deployedAt   time.Time
	triggers     *TriggerManager
	cancel       context.CancelFunc
	sem          chan struct{}

	mu   sync.Mutex
	runs map[string]context.CancelFunc
}

// Manager owns all active deployments, one per workflow ID.
type Manager struct {
	executor *engine.Executor
	waiters  eventwaiter.Waiters
	cron     CronScheduler
	sink     StatusSink
	metrics  *metrics.Metrics
	settings Settings
	logger   logging.Logger

	mu          sync.Mutex
	deployments map[string]*deployment
}

// NewManager builds the deployment manager. sink and m may be nil.
func NewManager(executor *engine.Executor, waiters eventwaiter.Waiters, cron CronScheduler, sink StatusSink, m *metrics.Metrics, settings Settings, logger logging.Logger) *Manager {
	if sink == nil {
		sink = nopSink{}
	}
	if settings.MaxConcurrentRuns <= 0 {
		settings.MaxConcurrentRuns = DefaultSettings().MaxConcurrentRuns
	}
	return &Manager{
		executor:    executor,
		waiters:     waiters,
		cron:        cron,
		sink:        sink,
		metrics:     m,
		settings:    settings,
		logger:      logging.OrNop(logger),
		deployments: make(map[string]*deployment),
	}
}

// Deploy activates a workflow: cron triggers registered, start triggers fired
// immediately, event triggers listening. A workflow may be deployed at most
// once; cancel first to redeploy.
func (m *Manager) Deploy(ctx context.Context, nodes []graph.Node, edges []graph.Edge, sessionID, workflowID string) (*DeployResult, error) {
	if workflowID == "" {
		workflowID = uuid.NewString()
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("deploy %s: workflow has no nodes", workflowID)
	}

	dep := &deployment{
		deploymentID: uuid.NewString(),
		workflowID:   workflowID,
		sessionID:    sessionID,
		nodes:        nodes,
		edges:        edges,
		settings:     m.settings,
		deployedAt:   time.Now().UTC(),
		sem:          make(chan struct{}, m.settings.MaxConcurrentRuns),
		runs:         make(map[string]context.CancelFunc),
	}

	m.mu.Lock()
	if _, exists := m.deployments[workflowID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("workflow %s is already deployed", workflowID)
	}
	m.deployments[workflowID] = dep
	m.mu.Unlock()

	// The deployment outlives the deploy request: its lifetime is bound to
	// the process, ended only by Cancel or Shutdown.
	depCtx, cancel := context.WithCancel(context.Background())
	dep.cancel = cancel
	dep.triggers = NewTriggerManager(workflowID, nodes, edges, m.cron, m.waiters, m.metrics,
		func(runCtx context.Context, trigger *graph.Node, output map[string]any) {
			m.spawnRun(runCtx, dep, trigger, output)
		}, m.logger)

	triggers, err := dep.triggers.Start(depCtx)
	if err != nil {
		cancel()
		m.mu.Lock()
		delete(m.deployments, workflowID)
		m.mu.Unlock()
		return nil, fmt.Errorf("deploy %s: %w", workflowID, err)
	}

	m.logger.Info("DeploymentManager: deployed workflow %s (%d triggers)", workflowID, len(triggers))
	m.sink.UpdateDeploymentStatus(workflowID, "deployed", map[string]any{
		"deployment_id": dep.deploymentID,
		"triggers":      triggers,
	}, "")

	return &DeployResult{
		Success:      true,
		DeploymentID: dep.deploymentID,
		WorkflowID:   workflowID,
		Triggers:     triggers,
	}, nil
}

// spawnRun executes one run from a fired trigger. It blocks until the run is
// terminal, which gives event processors their FIFO discipline.
func (m *Manager) spawnRun(ctx context.Context, dep *deployment, trigger *graph.Node, output map[string]any) {
	select {
	case dep.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-dep.sem }()

	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	dep.mu.Lock()
	dep.runs[runID] = cancel
	dep.mu.Unlock()
	defer func() {
		dep.mu.Lock()
		delete(dep.runs, runID)
		dep.mu.Unlock()
	}()

	m.sink.UpdateDeploymentStatus(dep.workflowID, "run_started", map[string]any{
		"run_id":  runID,
		"trigger": trigger.ID,
	}, "")

	fnodes, fedges := graph.FilterForTrigger(dep.nodes, dep.edges, trigger.ID, output)
	ec := execution.NewContext(dep.workflowID, dep.sessionID, fnodes, fedges)

	if err := m.executor.Execute(runCtx, ec); err != nil {
		m.sink.UpdateDeploymentStatus(dep.workflowID, "error", map[string]any{
			"run_id":       runID,
			"execution_id": ec.ExecutionID,
		}, err.Error())
		return
	}
	m.sink.UpdateDeploymentStatus(dep.workflowID, "run_completed", map[string]any{
		"run_id":       runID,
		"execution_id": ec.ExecutionID,
	}, "")
}

// Cancel tears a deployment down: listeners cancelled, cron jobs removed,
// in-flight runs cancelled, waiters resolved with cancellation, trigger node
// statuses reset. It waits for every cancellation to complete.
func (m *Manager) Cancel(ctx context.Context, workflowID string) (*CancelResult, error) {
	m.mu.Lock()
	dep, ok := m.deployments[workflowID]
	if ok {
		delete(m.deployments, workflowID)
	}
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("workflow %s is not deployed", workflowID)
	}

	dep.mu.Lock()
	runsCancelled := len(dep.runs)
	for _, cancel := range dep.runs {
		cancel()
	}
	dep.mu.Unlock()

	crons, listeners, waiters := dep.triggers.Stop()
	dep.cancel()

	for _, trigger := range dep.triggers.entryTriggers() {
		m.sink.UpdateNodeStatus(trigger.ID, "idle", nil, workflowID)
	}
	m.sink.UpdateDeploymentStatus(workflowID, "cancelled", map[string]any{
		"deployment_id": dep.deploymentID,
	}, "")
	m.logger.Info("DeploymentManager: cancelled workflow %s (%d runs, %d listeners, %d crons, %d waiters)",
		workflowID, runsCancelled, listeners, crons, waiters)

	return &CancelResult{
		Success:            true,
		RunsCancelled:      runsCancelled,
		ListenersCancelled: listeners,
		CronsCancelled:     crons,
		WaitersCancelled:   waiters,
	}, nil
}

// Status reports one deployment, or deployed=false when absent.
func (m *Manager) Status(workflowID string) map[string]any {
	m.mu.Lock()
	dep, ok := m.deployments[workflowID]
	m.mu.Unlock()
	if !ok {
		return map[string]any{"workflow_id": workflowID, "deployed": false}
	}

	dep.mu.Lock()
	activeRuns := len(dep.runs)
	dep.mu.Unlock()

	return map[string]any{
		"workflow_id":   dep.workflowID,
		"deployed":      true,
		"deployment_id": dep.deploymentID,
		"session_id":    dep.sessionID,
		"deployed_at":   dep.deployedAt.Format(time.RFC3339),
		"is_running":    activeRuns > 0,
		"active_runs":   activeRuns,
		"node_count":    len(dep.nodes),
		"edge_count":    len(dep.edges),
		"settings":      dep.settings,
	}
}

// StatusAll is the derived global view over all per-workflow deployments.
func (m *Manager) StatusAll() []map[string]any {
	m.mu.Lock()
	ids := make([]string, 0, len(m.deployments))
	for id := range m.deployments {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	statuses := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		statuses = append(statuses, m.Status(id))
	}
	return statuses
}

// Graph returns the deployed structural graph for a workflow. Recovery uses
// it to re-supply nodes and edges when resuming an interrupted execution.
func (m *Manager) Graph(workflowID string) ([]graph.Node, []graph.Edge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dep, ok := m.deployments[workflowID]
	if !ok {
		return nil, nil, false
	}
	return dep.nodes, dep.edges, true
}

// IsDeployed reports whether a workflow is currently deployed.
func (m *Manager) IsDeployed(workflowID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.deployments[workflowID]
	return ok
}

// Shutdown cancels every deployment. Used at process exit.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.deployments))
	for id := range m.deployments {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if _, err := m.Cancel(ctx, id); err != nil {
			m.logger.Warn("DeploymentManager: shutdown cancel of %s: %v", id, err)
		}
	}
}
