package workflow

import (
	"encoding/json"

	"github.com/rathodworks/whatsflow/internal/fault"
	"github.com/rathodworks/whatsflow/internal/models"
)

// Node kinds
const (
	NodeKindTrigger = "trigger"
	NodeKindAction  = "action"
	NodeKindAdd     = "add" // structural placeholder, no effect
)

// Node is one vertex of an authored workflow graph
type Node struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Kind        string       `json:"kind"`
	TriggerType string       `json:"triggerType,omitempty"`
	ActionType  string       `json:"actionType,omitempty"`
	Config      models.JSONB `json:"config,omitempty"`
}

// Edge connects two nodes
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Graph is the executable form of a workflow version's graph column
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`

	byID map[string]*Node
	succ map[string][]string
}

// ParseGraph decodes a stored graph and builds its lookup indexes
func ParseGraph(raw models.JSONB) (*Graph, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, "invalid_workflow", err)
	}
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fault.Wrap(fault.KindValidation, "invalid_workflow", err)
	}
	g.index()
	return &g, nil
}

func (g *Graph) index() {
	g.byID = make(map[string]*Node, len(g.Nodes))
	for i := range g.Nodes {
		g.byID[g.Nodes[i].ID] = &g.Nodes[i]
	}
	g.succ = make(map[string][]string, len(g.Edges))
	for _, e := range g.Edges {
		g.succ[e.Source] = append(g.succ[e.Source], e.Target)
	}
}

// Node returns the node with the given id, or nil
func (g *Graph) Node(id string) *Node {
	return g.byID[id]
}

// Successors returns the target node ids of all edges leaving id
func (g *Graph) Successors(id string) []string {
	return g.succ[id]
}

// Trigger returns the graph's single trigger node
func (g *Graph) Trigger() *Node {
	for i := range g.Nodes {
		if g.Nodes[i].Kind == NodeKindTrigger {
			return &g.Nodes[i]
		}
	}
	return nil
}

// Validate enforces the authoring invariants: exactly one trigger, every
// edge endpoint refers to an existing node, and every action names a
// recognized action type.
func (g *Graph) Validate(known func(actionType string) bool) error {
	triggers := 0
	for _, n := range g.Nodes {
		switch n.Kind {
		case NodeKindTrigger:
			triggers++
		case NodeKindAction:
			if n.ActionType == "" || (known != nil && !known(n.ActionType)) {
				return fault.Newf(fault.KindValidation, "unknown action type %q on node %s", n.ActionType, n.ID)
			}
		case NodeKindAdd:
			// allowed, skipped at execution time
		default:
			return fault.Newf(fault.KindValidation, "unknown node kind %q on node %s", n.Kind, n.ID)
		}
	}
	if triggers != 1 {
		return fault.Newf(fault.KindValidation, "graph must have exactly one trigger, found %d", triggers)
	}

	for _, e := range g.Edges {
		if g.byID[e.Source] == nil {
			return fault.Newf(fault.KindValidation, "edge source %q does not exist", e.Source)
		}
		if g.byID[e.Target] == nil {
			return fault.Newf(fault.KindValidation, "edge target %q does not exist", e.Target)
		}
	}
	return nil
}

// Keywords returns the keyword list configured on a trigger node
func (n *Node) Keywords() []string {
	if n.Config == nil {
		return nil
	}
	raw, ok := n.Config["keywords"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	}
	return nil
}
