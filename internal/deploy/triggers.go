package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"loom/internal/async"
	"loom/internal/eventwaiter"
	"loom/internal/graph"
	"loom/internal/logging"
	"loom/internal/metrics"
)

// RunFunc executes one workflow run seeded by the fired trigger. It returns
// when the run reaches a terminal status; event trigger processors rely on
// this to get per-trigger FIFO with backpressure.
type RunFunc func(ctx context.Context, trigger *graph.Node, triggerOutput map[string]any)

// eventQueueSize bounds the per-trigger event backlog. A full queue applies
// backpressure to the collector, which in turn delays waiter re-registration.
const eventQueueSize = 16

// TriggerManager owns the trigger machinery of one deployment: cron jobs,
// immediate start-node firing, and the collector/processor listener pair per
// event trigger.
type TriggerManager struct {
	workflowID string
	nodes      []graph.Node
	edges      []graph.Edge
	cron       CronScheduler
	waiters    eventwaiter.Waiters
	metrics    *metrics.Metrics
	run        RunFunc
	logger     logging.Logger

	mu         sync.Mutex
	cronJobs   []string
	iterations map[string]int
	listeners  int
	cancel     context.CancelFunc
	started    bool

	wg sync.WaitGroup
}

// NewTriggerManager builds the trigger manager for one deployment.
func NewTriggerManager(workflowID string, nodes []graph.Node, edges []graph.Edge, cron CronScheduler, waiters eventwaiter.Waiters, m *metrics.Metrics, run RunFunc, logger logging.Logger) *TriggerManager {
	return &TriggerManager{
		workflowID: workflowID,
		nodes:      nodes,
		edges:      edges,
		cron:       cron,
		waiters:    waiters,
		metrics:    m,
		run:        run,
		logger:     logging.OrNop(logger),
		iterations: make(map[string]int),
	}
}

// entryTriggers returns trigger-type nodes with no inbound dependency edge.
// Trigger nodes wired downstream of other nodes fire inside a run, not at the
// deployment boundary.
func (t *TriggerManager) entryTriggers() []*graph.Node {
	hasInput := make(map[string]bool)
	for _, e := range graph.DependencyEdges(t.nodes, t.edges) {
		hasInput[e.Target] = true
	}
	var triggers []*graph.Node
	for i := range t.nodes {
		n := &t.nodes[i]
		if graph.IsTriggerType(n.Type) && !hasInput[n.ID] {
			triggers = append(triggers, n)
		}
	}
	return triggers
}

// Start registers cron jobs, fires start nodes, and launches event listeners.
func (t *TriggerManager) Start(ctx context.Context) ([]map[string]any, error) {
	listenCtx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		cancel()
		return nil, errors.New("trigger manager already started")
	}
	t.started = true
	t.cancel = cancel
	t.mu.Unlock()

	var registered []map[string]any
	for _, trigger := range t.entryTriggers() {
		info := map[string]any{
			"node_id": trigger.ID,
			"type":    trigger.Type,
			"label":   trigger.Label(),
		}
		switch {
		case trigger.Type == graph.TypeCronScheduler:
			expr, err := t.registerCron(listenCtx, trigger)
			if err != nil {
				cancel()
				return nil, err
			}
			info["cron_expression"] = expr
		case trigger.Type == graph.TypeStart:
			t.fireStart(listenCtx, trigger)
			info["fired"] = true
		case graph.IsEventTriggerType(trigger.Type):
			t.listen(listenCtx, trigger)
			info["listening"] = true
		default:
			t.logger.Warn("TriggerManager: trigger %s has unhandled type %q", trigger.ID, trigger.Type)
		}
		registered = append(registered, info)
	}
	return registered, nil
}

// registerCron adds the cron job for a scheduler node. A "once" frequency has
// no recurrence: it fires a single time immediately.
func (t *TriggerManager) registerCron(ctx context.Context, trigger *graph.Node) (string, error) {
	params := trigger.Parameters()
	timezone, _ := params["timezone"].(string)

	expr, err := BuildCronExpression(params)
	if errors.Is(err, ErrNoRecurrence) {
		t.fire(ctx, trigger, t.cronTriggerData(trigger, "once", timezone))
		return "once", nil
	}
	if err != nil {
		return "", err
	}

	jobID := "cron:" + t.workflowID + ":" + trigger.ID
	node := trigger
	err = t.cron.RegisterCronJob(jobID, expr, func() {
		// Cron callbacks run on the scheduler thread; hop off it before
		// touching the run machinery.
		t.fire(ctx, node, t.cronTriggerData(node, expr, timezone))
	}, timezone)
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	t.cronJobs = append(t.cronJobs, jobID)
	t.mu.Unlock()
	return expr, nil
}

func (t *TriggerManager) cronTriggerData(trigger *graph.Node, expr, timezone string) map[string]any {
	params := trigger.Parameters()
	t.mu.Lock()
	t.iterations[trigger.ID]++
	iteration := t.iterations[trigger.ID]
	t.mu.Unlock()

	return map[string]any{
		"node_id":      trigger.ID,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"trigger_type": "cron",
		"event_data": map[string]any{
			"iteration":       iteration,
			"frequency":       params["frequency"],
			"timezone":        timezone,
			"schedule":        params,
			"cron_expression": expr,
		},
	}
}

// fireStart runs the workflow immediately with the start node's initialData.
func (t *TriggerManager) fireStart(ctx context.Context, trigger *graph.Node) {
	initial := parseInitialData(trigger.Parameters()["initialData"])
	t.fire(ctx, trigger, map[string]any{
		"node_id":      trigger.ID,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"trigger_type": "start",
		"event_data":   initial,
	})
}

// fire launches one run without blocking the caller.
func (t *TriggerManager) fire(ctx context.Context, trigger *graph.Node, output map[string]any) {
	if ctx.Err() != nil {
		return
	}
	t.metrics.IncTriggerFire(trigger.Type)
	t.wg.Add(1)
	async.Go(t.logger, "trigger-run-"+trigger.ID, func() {
		defer t.wg.Done()
		t.run(ctx, trigger, output)
	})
}

// listen launches the sequential-queue listener pair for an event trigger:
// the collector registers waiters and enqueues resolved events; the processor
// dequeues and runs the workflow, one run at a time.
func (t *TriggerManager) listen(ctx context.Context, trigger *graph.Node) {
	queue := make(chan map[string]any, eventQueueSize)
	node := trigger
	params := trigger.Parameters()

	t.mu.Lock()
	t.listeners++
	t.mu.Unlock()

	t.wg.Add(2)
	async.Go(t.logger, "trigger-collector-"+trigger.ID, func() {
		defer t.wg.Done()
		defer close(queue)
		for {
			w, err := t.waiters.Register(ctx, node.Type, node.ID, params)
			if err != nil {
				t.logger.Error("TriggerManager: cannot register waiter for %s: %v", node.ID, err)
				return
			}
			payload, err := t.waiters.Wait(ctx, w)
			if err != nil {
				return
			}
			select {
			case queue <- payload:
			case <-ctx.Done():
				return
			}
		}
	})
	async.Go(t.logger, "trigger-processor-"+trigger.ID, func() {
		defer t.wg.Done()
		for payload := range queue {
			if ctx.Err() != nil {
				return
			}
			t.metrics.IncTriggerFire(node.Type)
			t.run(ctx, node, map[string]any{
				"node_id":      node.ID,
				"timestamp":    time.Now().UTC().Format(time.RFC3339),
				"trigger_type": node.Type,
				"event_data":   payload,
			})
		}
	})
}

// Stop tears the trigger machinery down: cron jobs removed, listener pairs
// cancelled, pending waiters resolved with cancellation. It waits for all
// listener and run goroutines to return and reports what was cancelled.
func (t *TriggerManager) Stop() (crons, listeners, waiters int) {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	jobs := t.cronJobs
	t.cronJobs = nil
	listeners = t.listeners
	t.listeners = 0
	t.mu.Unlock()

	for _, jobID := range jobs {
		t.cron.RemoveCronJob(jobID)
	}
	crons = len(jobs)

	for _, trigger := range t.entryTriggers() {
		waiters += t.waiters.CancelForNode(trigger.ID)
	}
	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
	return crons, listeners, waiters
}

// parseInitialData accepts a JSON string or an inline map; anything else
// yields an empty map.
func parseInitialData(v any) map[string]any {
	switch data := v.(type) {
	case map[string]any:
		return data
	case string:
		var parsed map[string]any
		if err := json.Unmarshal([]byte(data), &parsed); err == nil {
			return parsed
		}
	}
	return map[string]any{}
}
