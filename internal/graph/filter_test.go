package graph

import "testing"

func TestFilterForTriggerReachability(t *testing.T) {
	nodes := []Node{
		node("cron", "cronScheduler"),
		node("webhook", "webhookTrigger"),
		node("a", "httpRequest"),
		node("b", "console"),
		node("orphan", "console"),
	}
	edges := []Edge{
		edge("cron", "a"),
		edge("webhook", "a"),
		edge("a", "b"),
	}

	output := map[string]any{"trigger_type": "schedule"}
	fnodes, fedges := FilterForTrigger(nodes, edges, "cron", output)

	ids := map[string]*Node{}
	for i := range fnodes {
		ids[fnodes[i].ID] = &fnodes[i]
	}
	if _, ok := ids["orphan"]; ok {
		t.Error("unreachable node included")
	}
	if _, ok := ids["webhook"]; ok {
		t.Error("independent trigger sharing a downstream node should be excluded")
	}
	for _, want := range []string{"cron", "a", "b"} {
		if _, ok := ids[want]; !ok {
			t.Errorf("node %s missing from filtered graph", want)
		}
	}

	trigger := ids["cron"]
	if !trigger.PreExecuted {
		t.Error("fired trigger should be marked pre-executed")
	}
	out, _ := trigger.TriggerOutput.(map[string]any)
	if out["trigger_type"] != "schedule" {
		t.Errorf("trigger output not carried: %v", trigger.TriggerOutput)
	}

	// webhook->a crosses the excluded boundary and must be dropped.
	for _, e := range fedges {
		if e.Source == "webhook" {
			t.Errorf("edge from excluded trigger survived: %+v", e)
		}
	}
}

func TestFilterForTriggerPullsConfigNodes(t *testing.T) {
	nodes := []Node{
		node("start", "start"),
		node("agent", "aiAgent"),
		node("mem", "memory"),
		node("tk", "toolkit"),
		node("tool", "httpRequest"),
	}
	edges := []Edge{
		edge("start", "agent"),
		{Source: "mem", Target: "agent", TargetHandle: "input-memory"},
		{Source: "tk", Target: "agent", TargetHandle: "input-tools"},
		edge("tool", "tk"),
	}

	fnodes, _ := FilterForTrigger(nodes, edges, "start", nil)
	got := map[string]bool{}
	for _, n := range fnodes {
		got[n.ID] = true
	}
	for _, want := range []string{"start", "agent", "mem", "tk", "tool"} {
		if !got[want] {
			t.Errorf("node %s should be pulled into the run", want)
		}
	}
}

func TestFilterForTriggerUnknownTrigger(t *testing.T) {
	fnodes, fedges := FilterForTrigger([]Node{node("a", "start")}, nil, "nope", nil)
	if fnodes != nil || fedges != nil {
		t.Errorf("unknown trigger should yield nil graph, got %v %v", fnodes, fedges)
	}
}
