package workflow

import (
	"encoding/json"
	"sort"
)

// Link references output Slot of node NodeID. It encodes as ["<id>", slot],
// which is how the engine wires node inputs.
type Link struct {
	NodeID string
	Slot   int
}

// MarshalJSON implements json.Marshaler.
func (l Link) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{l.NodeID, l.Slot})
}

// Node is a single typed step of a job graph.
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// Graph is a declarative job description keyed by node id. A Graph is never
// mutated after Build returns; accessors hand out copies.
type Graph struct {
	nodes map[string]Node
}

// IDs returns node ids in ascending order.
func (g Graph) IDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Node returns a copy of the node with the given id.
func (g Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	inputs := make(map[string]any, len(n.Inputs))
	for k, v := range n.Inputs {
		inputs[k] = v
	}
	return Node{ClassType: n.ClassType, Inputs: inputs}, true
}

// Links returns every (node, input) -> Link edge, keyed "<node>.<input>".
func (g Graph) Links() map[string]Link {
	out := map[string]Link{}
	for id, n := range g.nodes {
		for name, v := range n.Inputs {
			if l, ok := v.(Link); ok {
				out[id+"."+name] = l
			}
		}
	}
	return out
}

// Len reports the number of nodes.
func (g Graph) Len() int { return len(g.nodes) }

// MarshalJSON encodes the graph in the engine's prompt format.
func (g Graph) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.nodes)
}
