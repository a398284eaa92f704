package graph

// FilterForTrigger materializes the graph for one run spawned by a fired
// trigger. The trigger node is marked pre-executed with its trigger output;
// every node reachable downstream of it is included, together with the
// config nodes and toolkit sub-nodes wired into the included set. Other
// trigger nodes with no inputs are independent entry points and are
// excluded from the run.
func FilterForTrigger(nodes []Node, edges []Edge, triggerID string, triggerOutput any) ([]Node, []Edge) {
	trigger := NodeByID(nodes, triggerID)
	if trigger == nil {
		return nil, nil
	}

	outgoing := make(map[string][]string)
	incoming := make(map[string][]Edge)
	for _, e := range edges {
		outgoing[e.Source] = append(outgoing[e.Source], e.Target)
		incoming[e.Target] = append(incoming[e.Target], e)
	}

	// Forward reachability from the fired trigger.
	include := map[string]bool{triggerID: true}
	queue := []string{triggerID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range outgoing[id] {
			if !include[next] {
				include[next] = true
				queue = append(queue, next)
			}
		}
	}

	// Pull in config nodes and toolkit sub-nodes wired into included nodes.
	// Repeat until stable: a toolkit sub-node may itself have config inputs.
	for changed := true; changed; {
		changed = false
		for _, e := range edges {
			if !include[e.Target] || include[e.Source] {
				continue
			}
			src := NodeByID(nodes, e.Source)
			if src == nil {
				continue
			}
			if IsConfigType(src.Type) || e.IsConfigEdge() || IsToolkitType(NodeByID(nodes, e.Target).Type) {
				include[e.Source] = true
				changed = true
			}
		}
	}

	// Exclude independent triggers that slipped into the set through shared
	// downstream nodes: a trigger with no inputs other than the fired one
	// does not belong to this run.
	for i := range nodes {
		n := &nodes[i]
		if n.ID == triggerID || !include[n.ID] {
			continue
		}
		if IsTriggerType(n.Type) && len(incoming[n.ID]) == 0 {
			delete(include, n.ID)
		}
	}

	var outNodes []Node
	for i := range nodes {
		n := nodes[i]
		if !include[n.ID] {
			continue
		}
		if n.ID == triggerID {
			n.PreExecuted = true
			n.TriggerOutput = triggerOutput
		}
		outNodes = append(outNodes, n)
	}

	var outEdges []Edge
	for _, e := range edges {
		if include[e.Source] && include[e.Target] {
			outEdges = append(outEdges, e)
		}
	}
	return outNodes, outEdges
}
