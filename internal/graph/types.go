package graph

// Node type classification. Each class is a closed enumeration known at build
// time; the sets below partition the node type space into triggers, config
// nodes, toolkit nodes, AI-agent nodes, and plain executable nodes.

// TypeStart is the manual trigger fired once at deployment.
const TypeStart = "start"

// TypeCronScheduler is the schedule-driven trigger.
const TypeCronScheduler = "cronScheduler"

var triggerTypes = map[string]bool{
	TypeStart:          true,
	TypeCronScheduler:  true,
	"webhookTrigger":   true,
	"socialReceive":    true,
	"emailReceive":     true,
	"messageReceived":  true,
	"phoneCallTrigger": true,
}

var configTypes = map[string]bool{
	"memory":      true,
	"skill":       true,
	"modelConfig": true,
}

var toolkitTypes = map[string]bool{
	"toolkit":      true,
	"agentToolkit": true,
}

var agentTypes = map[string]bool{
	"aiAgent":  true,
	"teamMate": true,
}

var aiNodeTypes = map[string]bool{
	"aiAgent":        true,
	"llmChat":        true,
	"textGeneration": true,
	"imageAnalysis":  true,
}

// IsTriggerType reports whether the type produces outputs from external
// events rather than upstream data edges.
func IsTriggerType(nodeType string) bool {
	return triggerTypes[nodeType]
}

// IsConfigType reports whether the type provides configuration to another
// node and never executes on its own.
func IsConfigType(nodeType string) bool {
	return configTypes[nodeType]
}

// IsToolkitType reports whether the type aggregates connected sub-nodes as
// callable tools.
func IsToolkitType(nodeType string) bool {
	return toolkitTypes[nodeType]
}

// IsAgentType reports whether the type consumes memory/skill/tools/teammates
// composition.
func IsAgentType(nodeType string) bool {
	return agentTypes[nodeType]
}

// IsAIType reports whether the type calls an LLM provider and needs API-key
// injection.
func IsAIType(nodeType string) bool {
	return aiNodeTypes[nodeType]
}

// IsExecutableType reports whether the type participates in DAG traversal as
// a schedulable unit. Config nodes never execute; everything else does.
func IsExecutableType(nodeType string) bool {
	return !configTypes[nodeType]
}

// IsEventTriggerType reports whether the type is an event-based trigger, i.e.
// a trigger that waits on an external event rather than firing immediately or
// on a schedule.
func IsEventTriggerType(nodeType string) bool {
	return triggerTypes[nodeType] && nodeType != TypeStart && nodeType != TypeCronScheduler
}

// ToolkitSubNodes returns the IDs of nodes whose only outgoing edges target a
// toolkit node's input handle. These are invoked by the toolkit at
// tool-invocation time and are excluded from layer analysis.
func ToolkitSubNodes(nodes []Node, edges []Edge) map[string]bool {
	types := make(map[string]string, len(nodes))
	for i := range nodes {
		types[nodes[i].ID] = nodes[i].Type
	}

	outgoing := make(map[string][]Edge)
	for _, e := range edges {
		outgoing[e.Source] = append(outgoing[e.Source], e)
	}

	subs := make(map[string]bool)
	for id, out := range outgoing {
		if len(out) == 0 || IsConfigType(types[id]) {
			continue
		}
		allToolkit := true
		for _, e := range out {
			if !IsToolkitType(types[e.Target]) {
				allToolkit = false
				break
			}
		}
		if allToolkit {
			subs[id] = true
		}
	}
	return subs
}
