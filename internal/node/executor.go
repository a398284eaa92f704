package node

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"loom/internal/graph"
	"loom/internal/logging"
	"loom/internal/stores"
)

// connectedOutputTypes enumerates node types whose handlers receive the
// connected upstream outputs keyed by source node type.
var connectedOutputTypes = map[string]bool{
	"codeExecutor":    true,
	"webhookResponse": true,
	"console":         true,
	"socialReceive":   true,
}

// androidServiceTypes enumerates node types backed by the Android relay.
// Their outputs carry a nested data field that is lifted to the top level so
// template expressions resolve directly.
var androidServiceTypes = map[string]bool{
	"smsSend":          true,
	"smsRead":          true,
	"notificationRead": true,
	"contactsRead":     true,
	"phoneCall":        true,
	"androidRelay":     true,
}

// defaultModels maps AI providers to their default model.
var defaultModels = map[string]string{
	"openai":    "gpt-4o-mini",
	"anthropic": "claude-sonnet-4-20250514",
	"google":    "gemini-2.0-flash",
}

// Settings tunes executor behavior.
type Settings struct {
	// StrictHandlers makes execution of an unknown node type an error
	// instead of a forgiving success.
	StrictHandlers bool
	// MapsKey is the Google Maps key injected into maps nodes when the
	// credential store has none.
	MapsKey string
}

// Executor prepares and dispatches single node executions.
type Executor struct {
	registry *Registry
	params   stores.ParameterStore
	outputs  stores.OutputStore
	creds    stores.CredentialStore
	resolver *Resolver
	settings Settings
	logger   logging.Logger
}

// NewExecutor wires the node executor. resolver may be nil to disable
// template resolution.
func NewExecutor(registry *Registry, params stores.ParameterStore, outputs stores.OutputStore, creds stores.CredentialStore, resolver *Resolver, settings Settings, logger logging.Logger) *Executor {
	return &Executor{
		registry: registry,
		params:   params,
		outputs:  outputs,
		creds:    creds,
		resolver: resolver,
		settings: settings,
		logger:   logging.OrNop(logger),
	}
}

// Execute runs one node to completion and returns its result record. All
// failures are represented in the result; Execute itself never panics and
// never returns an error.
func (e *Executor) Execute(ctx context.Context, nodeID, nodeType string, parameters map[string]any, execCtx *ExecContext) (res *Result) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("NodeExecutor: panic in node %s (%s): %v", nodeID, nodeType, r)
			res = e.failure(nodeID, nodeType, execCtx, started, fmt.Sprintf("panic: %v", r))
		}
	}()

	merged := e.mergeParameters(ctx, nodeID, parameters)

	fatal, warnings := ValidateParameters(nodeType, merged)
	for _, w := range warnings {
		e.logger.Warn("NodeExecutor: %s (%s): %s", nodeID, nodeType, w)
	}
	if len(fatal) > 0 {
		return e.failure(nodeID, nodeType, execCtx, started, strings.Join(fatal, "; "))
	}

	e.injectCredentials(ctx, nodeType, merged, execCtx.SessionID)

	if e.resolver != nil && len(execCtx.Nodes) > 0 {
		merged = e.resolver.ResolveParameters(ctx, merged, execCtx, nodeID)
	}

	req := &Request{
		NodeID:     nodeID,
		NodeType:   nodeType,
		Parameters: merged,
		Context:    execCtx,
	}
	if connectedOutputTypes[nodeType] {
		req.ConnectedOutputs, req.SourceNodes = e.connectedOutputs(execCtx, nodeID)
	}

	handler, ok := e.registry.Lookup(nodeType)
	if !ok {
		if e.settings.StrictHandlers {
			return e.failure(nodeID, nodeType, execCtx, started, fmt.Sprintf("no handler registered for node type %q", nodeType))
		}
		// Forgiving default to permit incremental node rollout.
		e.logger.Warn("NodeExecutor: no handler for node type %q, returning synthesized success", nodeType)
		output := map[string]any{"message": "executed", "node_type": nodeType}
		e.persistOutputs(ctx, nodeID, nodeType, output, execCtx)
		return e.success(nodeID, nodeType, execCtx, started, output)
	}

	output, err := handler(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return e.failure(nodeID, nodeType, execCtx, started, "Cancelled")
		}
		return e.failure(nodeID, nodeType, execCtx, started, err.Error())
	}

	output = flattenAndroidOutput(nodeType, output)
	e.persistOutputs(ctx, nodeID, nodeType, output, execCtx)
	return e.success(nodeID, nodeType, execCtx, started, output)
}

// mergeParameters overlays caller-provided parameters onto the persisted
// ones; caller-provided values win.
func (e *Executor) mergeParameters(ctx context.Context, nodeID string, parameters map[string]any) map[string]any {
	merged := make(map[string]any)
	if e.params != nil {
		for k, v := range e.params.GetNodeParameters(ctx, nodeID) {
			merged[k] = v
		}
	}
	for k, v := range parameters {
		merged[k] = v
	}
	return merged
}

// injectCredentials fills in API keys and default models. A caller-provided
// key is never overwritten.
func (e *Executor) injectCredentials(ctx context.Context, nodeType string, params map[string]any, sessionID string) {
	if graph.IsAIType(nodeType) {
		provider, _ := params["provider"].(string)
		if provider == "" {
			provider = detectProvider(params)
		}
		if key, _ := params["apiKey"].(string); key == "" && e.creds != nil {
			if injected := e.creds.GetAPIKey(ctx, provider, sessionID); injected != "" {
				params["apiKey"] = injected
			}
		}
		if model, _ := params["model"].(string); model == "" {
			if def, ok := defaultModels[provider]; ok {
				params["model"] = def
			}
		}
		return
	}
	if nodeType == "googleMaps" {
		if key, _ := params["mapsKey"].(string); key == "" {
			injected := e.settings.MapsKey
			if injected == "" && e.creds != nil {
				injected = e.creds.GetAPIKey(ctx, "googleMaps", sessionID)
			}
			if injected != "" {
				params["mapsKey"] = injected
			}
		}
	}
}

// detectProvider guesses the provider from the configured model name.
func detectProvider(params map[string]any) string {
	model, _ := params["model"].(string)
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "claude"):
		return "anthropic"
	case strings.Contains(lower, "gemini"):
		return "google"
	default:
		return "openai"
	}
}

// connectedOutputs gathers the outputs of directly connected upstreams keyed
// by source node type, together with the source node descriptors.
func (e *Executor) connectedOutputs(execCtx *ExecContext, nodeID string) (map[string]any, []graph.Node) {
	outputs := make(map[string]any)
	var sources []graph.Node
	for _, edge := range execCtx.Edges {
		if edge.Target != nodeID || edge.IsConfigEdge() {
			continue
		}
		src := graph.NodeByID(execCtx.Nodes, edge.Source)
		if src == nil || graph.IsConfigType(src.Type) {
			continue
		}
		sources = append(sources, *src)
		if execCtx.GetOutput != nil {
			if out, ok := execCtx.GetOutput(src.ID); ok {
				outputs[src.Type] = out
				continue
			}
		}
		if out, ok := execCtx.UpstreamOutputs[src.ID]; ok {
			outputs[src.Type] = out
		}
	}
	return outputs, sources
}

// flattenAndroidOutput lifts the nested data field of Android relay service
// outputs to the top level, preserving service metadata, so template
// expressions of the form {{nodeType.field}} resolve directly.
func flattenAndroidOutput(nodeType string, output map[string]any) map[string]any {
	if !androidServiceTypes[nodeType] || output == nil {
		return output
	}
	nested, ok := output["data"].(map[string]any)
	if !ok {
		return output
	}
	flattened := make(map[string]any, len(nested)+3)
	for k, v := range nested {
		flattened[k] = v
	}
	for _, meta := range []string{"service_id", "action", "timestamp"} {
		if v, ok := output[meta]; ok {
			flattened[meta] = v
		}
	}
	return flattened
}

// persistOutputs stores the node output under the three handle conventions,
// plus the socialReceive split outputs.
func (e *Executor) persistOutputs(ctx context.Context, nodeID, nodeType string, output map[string]any, execCtx *ExecContext) {
	if e.outputs == nil || output == nil {
		return
	}
	for _, name := range outputNames {
		if err := e.outputs.SaveNodeOutput(ctx, execCtx.SessionID, nodeID, name, output); err != nil {
			e.logger.Warn("NodeExecutor: failed to persist %s for %s: %v", name, nodeID, err)
		}
	}
	if nodeType == "socialReceive" {
		for _, split := range []string{"message", "media", "contact", "metadata"} {
			if value, ok := output[split]; ok {
				name := "output_" + split
				if err := e.outputs.SaveNodeOutput(ctx, execCtx.SessionID, nodeID, name, value); err != nil {
					e.logger.Warn("NodeExecutor: failed to persist %s for %s: %v", name, nodeID, err)
				}
			}
		}
	}
}

func (e *Executor) success(nodeID, nodeType string, execCtx *ExecContext, started time.Time, output map[string]any) *Result {
	return &Result{
		Success:       true,
		NodeID:        nodeID,
		NodeType:      nodeType,
		Result:        output,
		ExecutionTime: time.Since(started).Seconds(),
		Timestamp:     nowISO(),
		ExecutionID:   execCtx.ExecutionID,
	}
}

func (e *Executor) failure(nodeID, nodeType string, execCtx *ExecContext, started time.Time, message string) *Result {
	return &Result{
		Success:       false,
		NodeID:        nodeID,
		NodeType:      nodeType,
		Error:         message,
		ExecutionTime: time.Since(started).Seconds(),
		Timestamp:     nowISO(),
		ExecutionID:   execCtx.ExecutionID,
	}
}
