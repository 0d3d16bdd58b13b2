package rm

import (
	"cmp"
	"slices"
	"strings"

	"github.com/samber/lo"
)

// State is a consistent snapshot of the resource manager.
type State struct {
	Total int `json:"total"`
	Free  int `json:"free"`
	// Alive counts the nodes that are not down.
	Alive       int               `json:"alive"`
	Counts      map[NodeState]int `json:"counts"`
	Nodes       []NodeInfo        `json:"nodes"`
	NodeSources []NodeSourceInfo  `json:"node-sources"`
	Clients     int               `json:"clients"`
}

func (c *Core) State() (State, error) {
	var state State
	err := c.do(func() { state = c.snapshot() })
	return state, err
}

func (c *Core) snapshot() State {
	nodes := lo.Values(c.nodes)
	slices.SortFunc(nodes, func(a, b *node) int {
		return cmp.Or(
			strings.Compare(a.source.definition.Name, b.source.definition.Name),
			cmp.Compare(a.instance, b.instance),
		)
	})

	state := State{
		Total:       len(nodes),
		Counts:      make(map[NodeState]int, len(NodeStates)),
		Nodes:       lo.Map(nodes, func(n *node, _ int) NodeInfo { return n.info() }),
		NodeSources: c.nodeSourceInfos(),
		Clients:     len(c.clients),
	}
	for _, s := range NodeStates {
		state.Counts[s] = 0
	}
	for _, n := range nodes {
		state.Counts[n.state]++
	}
	state.Free = state.Counts[NodeStateFree]
	state.Alive = state.Total - state.Counts[NodeStateDown]
	return state
}
