package node

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"loom/internal/graph"
	"loom/internal/logging"
	"loom/internal/stores"
)

// tokenPattern matches {{source.path}} template tokens.
var tokenPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Resolver substitutes template tokens in parameter values against the
// outputs reachable from the current node.
//
// A token names its source by node ID, by node type (when unique in the
// graph), or by the reserved $json namespace meaning the upstream output on
// the main input handle. Missing sources and missing fields resolve to the
// empty string. Resolution is a single pass: tokens inside a resolved value
// are not re-resolved.
type Resolver struct {
	outputs stores.OutputStore
	logger  logging.Logger
}

// NewResolver builds a template resolver over the output store.
func NewResolver(outputs stores.OutputStore, logger logging.Logger) *Resolver {
	return &Resolver{outputs: outputs, logger: logging.OrNop(logger)}
}

// outputNames are the handle conventions under which node outputs are stored,
// probed in order.
var outputNames = []string{"output_main", "output_top", "output_0"}

// ResolveParameters returns a copy of params with every string value's
// template tokens substituted.
func (r *Resolver) ResolveParameters(ctx context.Context, params map[string]any, execCtx *ExecContext, nodeID string) map[string]any {
	if len(params) == 0 {
		return params
	}
	resolved := make(map[string]any, len(params))
	for key, value := range params {
		resolved[key] = r.resolveValue(ctx, value, execCtx, nodeID)
	}
	return resolved
}

func (r *Resolver) resolveValue(ctx context.Context, value any, execCtx *ExecContext, nodeID string) any {
	switch v := value.(type) {
	case string:
		return r.resolveString(ctx, v, execCtx, nodeID)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = r.resolveValue(ctx, item, execCtx, nodeID)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = r.resolveValue(ctx, item, execCtx, nodeID)
		}
		return out
	default:
		return value
	}
}

func (r *Resolver) resolveString(ctx context.Context, s string, execCtx *ExecContext, nodeID string) any {
	matches := tokenPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	// A string that is exactly one token keeps the source value's type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		token := s[matches[0][2]:matches[0][3]]
		value, _ := r.resolveToken(ctx, token, execCtx, nodeID)
		return value
	}

	return tokenPattern.ReplaceAllStringFunc(s, func(match string) string {
		sub := tokenPattern.FindStringSubmatch(match)
		value, ok := r.resolveToken(ctx, sub[1], execCtx, nodeID)
		if !ok || value == nil {
			return ""
		}
		if str, isStr := value.(string); isStr {
			return str
		}
		data, err := json.Marshal(value)
		if err != nil {
			return ""
		}
		return string(data)
	})
}

// resolveToken resolves one source.path token. The bool result reports
// whether the source was found at all.
func (r *Resolver) resolveToken(ctx context.Context, token string, execCtx *ExecContext, nodeID string) (any, bool) {
	source := token
	path := ""
	if idx := strings.Index(token, "."); idx >= 0 {
		source = token[:idx]
		path = token[idx+1:]
	}

	output, ok := r.sourceOutput(ctx, source, execCtx, nodeID)
	if !ok {
		return "", false
	}
	value, found := graph.ResolveField(output, path)
	if !found {
		return "", true
	}
	return value, true
}

func (r *Resolver) sourceOutput(ctx context.Context, source string, execCtx *ExecContext, nodeID string) (any, bool) {
	var sourceID string
	switch {
	case source == "$json":
		sourceID = mainUpstream(execCtx, nodeID)
	case graph.NodeByID(execCtx.Nodes, source) != nil:
		sourceID = source
	default:
		// Fall back to source-node type, accepted when unique in the graph.
		for i := range execCtx.Nodes {
			if execCtx.Nodes[i].Type == source {
				if sourceID != "" {
					r.logger.Debug("Resolver: ambiguous source type %q in graph", source)
					return nil, false
				}
				sourceID = execCtx.Nodes[i].ID
			}
		}
	}
	if sourceID == "" {
		return nil, false
	}

	if execCtx.GetOutput != nil {
		if output, ok := execCtx.GetOutput(sourceID); ok {
			return output, true
		}
	}
	for _, name := range outputNames {
		if output, ok := r.outputs.GetNodeOutput(ctx, execCtx.SessionID, sourceID, name); ok {
			return output, true
		}
	}
	return nil, false
}

// mainUpstream finds the source of the current node's main input edge:
// the first non-config incoming edge.
func mainUpstream(execCtx *ExecContext, nodeID string) string {
	for _, e := range execCtx.Edges {
		if e.Target != nodeID || e.IsConfigEdge() {
			continue
		}
		src := graph.NodeByID(execCtx.Nodes, e.Source)
		if src != nil && !graph.IsConfigType(src.Type) {
			return e.Source
		}
	}
	return ""
}
