package node

import (
	"context"
	"testing"

	"loom/internal/graph"
	"loom/internal/stores"
)

func resolverFixture(t *testing.T) (*Resolver, *ExecContext) {
	t.Helper()
	outputs := stores.NewMemoryOutputStore()
	_ = outputs.SaveNodeOutput(context.Background(), "sess", "fetch", "output_main", map[string]any{
		"status_code": float64(200),
		"body":        map[string]any{"name": "ada", "id": float64(7)},
	})

	execCtx := &ExecContext{
		SessionID: "sess",
		Nodes: []graph.Node{
			{ID: "trigger", Type: "start"},
			{ID: "fetch", Type: "httpRequest"},
			{ID: "log", Type: "console"},
		},
		Edges: []graph.Edge{
			{Source: "trigger", Target: "fetch"},
			{Source: "fetch", Target: "log"},
		},
	}
	return NewResolver(outputs, nil), execCtx
}

func TestResolveByNodeID(t *testing.T) {
	r, execCtx := resolverFixture(t)
	params := r.ResolveParameters(context.Background(), map[string]any{
		"message": "user {{fetch.body.name}} has id {{fetch.body.id}}",
	}, execCtx, "log")
	if params["message"] != "user ada has id 7" {
		t.Errorf("message = %v", params["message"])
	}
}

func TestResolveByNodeType(t *testing.T) {
	r, execCtx := resolverFixture(t)
	params := r.ResolveParameters(context.Background(), map[string]any{
		"message": "{{httpRequest.body.name}}",
	}, execCtx, "log")
	if params["message"] != "ada" {
		t.Errorf("message = %v", params["message"])
	}
}

func TestResolveByTypeAmbiguous(t *testing.T) {
	r, execCtx := resolverFixture(t)
	execCtx.Nodes = append(execCtx.Nodes, graph.Node{ID: "fetch2", Type: "httpRequest"})
	params := r.ResolveParameters(context.Background(), map[string]any{
		"message": "x{{httpRequest.body.name}}y",
	}, execCtx, "log")
	if params["message"] != "xy" {
		t.Errorf("ambiguous type should resolve empty, got %v", params["message"])
	}
}

func TestResolveJSONNamespace(t *testing.T) {
	r, execCtx := resolverFixture(t)
	// $json refers to the main-input upstream of the resolving node.
	params := r.ResolveParameters(context.Background(), map[string]any{
		"message": "{{$json.status_code}}",
	}, execCtx, "log")
	if params["message"] != float64(200) {
		t.Errorf("single-token resolution should keep the value type, got %T %v", params["message"], params["message"])
	}
}

func TestResolveTypePreservation(t *testing.T) {
	r, execCtx := resolverFixture(t)
	params := r.ResolveParameters(context.Background(), map[string]any{
		"whole":    "{{fetch.body}}",
		"embedded": "body={{fetch.body}}",
	}, execCtx, "log")

	if _, ok := params["whole"].(map[string]any); !ok {
		t.Errorf("exact-token value should keep its type, got %T", params["whole"])
	}
	embedded, _ := params["embedded"].(string)
	if embedded == "" || embedded == "body=" {
		t.Errorf("embedded token should render as JSON, got %q", embedded)
	}
}

func TestResolveMissingSourceAndField(t *testing.T) {
	r, execCtx := resolverFixture(t)
	params := r.ResolveParameters(context.Background(), map[string]any{
		"a": "x{{nosuch.field}}y",
		"b": "x{{fetch.body.missing}}y",
	}, execCtx, "log")
	if params["a"] != "xy" {
		t.Errorf("missing source should render empty, got %v", params["a"])
	}
	if params["b"] != "xy" {
		t.Errorf("missing field should render empty, got %v", params["b"])
	}
}

func TestResolveNestedStructures(t *testing.T) {
	r, execCtx := resolverFixture(t)
	params := r.ResolveParameters(context.Background(), map[string]any{
		"payload": map[string]any{
			"name":  "{{fetch.body.name}}",
			"items": []any{"{{fetch.body.id}}", "static"},
		},
	}, execCtx, "log")

	payload, _ := params["payload"].(map[string]any)
	if payload["name"] != "ada" {
		t.Errorf("nested map not resolved: %v", payload)
	}
	items, _ := payload["items"].([]any)
	if len(items) != 2 || items[0] != float64(7) || items[1] != "static" {
		t.Errorf("nested array not resolved: %v", items)
	}
}

func TestResolvePrefersInRunOutput(t *testing.T) {
	r, execCtx := resolverFixture(t)
	execCtx.GetOutput = func(nodeID string) (any, bool) {
		if nodeID == "fetch" {
			return map[string]any{"body": map[string]any{"name": "fresh"}}, true
		}
		return nil, false
	}
	params := r.ResolveParameters(context.Background(), map[string]any{
		"message": "{{fetch.body.name}}",
	}, execCtx, "log")
	if params["message"] != "fresh" {
		t.Errorf("in-run output should win over the store, got %v", params["message"])
	}
}
