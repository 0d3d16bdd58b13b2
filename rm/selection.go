package rm

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"
)

type Topology string

const (
	TopologyArbitrary      Topology = "arbitrary"
	TopologySingleHost     Topology = "single-host"
	TopologyDifferentHosts Topology = "different-hosts"
)

// Criteria describes the nodes a client asks for.
type Criteria struct {
	Count    int      `json:"count"`
	Topology Topology `json:"topology,omitempty"`
	// Exclusion lists URLs that must not be selected.
	Exclusion []string `json:"exclusion,omitempty"`
	// BestEffort returns what matches instead of nothing when fewer than
	// Count nodes are available.
	BestEffort bool `json:"best-effort,omitempty"`
	// NodeSources restricts the selection, empty means every node source.
	NodeSources []string `json:"node-sources,omitempty"`
}

func (c Criteria) Validate() error {
	if c.Count < 0 {
		return fmt.Errorf("%w: count must not be negative", ErrInvalidCriteria)
	}
	switch c.Topology {
	case "", TopologyArbitrary, TopologySingleHost, TopologyDifferentHosts:
		return nil
	default:
		return fmt.Errorf("%w: unknown topology '%s'", ErrInvalidCriteria, c.Topology)
	}
}

// GetNodes hands free nodes matching criteria to a client, turning them busy.
// Unless BestEffort is set, it returns either Count nodes or none.
func (c *Core) GetNodes(id ClientID, criteria Criteria) ([]NodeInfo, error) {
	if err := criteria.Validate(); err != nil {
		return nil, err
	}

	var infos []NodeInfo
	var opErr error
	if err := c.do(func() {
		cl, err := c.touchClient(id)
		if err != nil {
			opErr = err
			return
		}

		selected := selectNodes(c.candidates(cl, criteria), criteria)
		if !criteria.BestEffort && len(selected) < criteria.Count {
			return
		}

		infos = make([]NodeInfo, 0, len(selected))
		for _, n := range selected {
			if err := c.apply(n, eventGet, func() { n.owner = cl }); err != nil {
				opErr = err
				return
			}
			infos = append(infos, n.info())
		}
	}); err != nil {
		return nil, err
	}
	return infos, opErr
}

// GetAtMostNodes hands out up to count free nodes.
func (c *Core) GetAtMostNodes(id ClientID, count int, exclusion []string) ([]NodeInfo, error) {
	return c.GetNodes(id, Criteria{Count: count, Exclusion: exclusion, BestEffort: true})
}

// candidates returns the free nodes cl may use, ordered by node source then
// registration.
func (c *Core) candidates(cl *client, criteria Criteria) []*node {
	nodes := lo.Filter(lo.Values(c.nodes), func(n *node, _ int) bool {
		if n.state != NodeStateFree {
			return false
		}
		if lo.Contains(criteria.Exclusion, n.url()) {
			return false
		}
		if len(criteria.NodeSources) > 0 && !lo.Contains(criteria.NodeSources, n.source.definition.Name) {
			return false
		}
		return n.source.policy.Access().Users.Allows(cl.name, n.source.definition.Administrator)
	})

	slices.SortFunc(nodes, func(a, b *node) int {
		return cmp.Or(
			strings.Compare(a.source.definition.Name, b.source.definition.Name),
			cmp.Compare(a.instance, b.instance),
		)
	})
	return nodes
}

// selectNodes picks nodes among ordered candidates according to the topology
// of criteria. It may return fewer than Count nodes.
func selectNodes(candidates []*node, criteria Criteria) []*node {
	if criteria.Count == 0 {
		return nil
	}

	switch criteria.Topology {
	case TopologySingleHost:
		groups := lo.GroupBy(candidates, func(n *node) string { return n.handle.Host() })
		hosts := lo.Uniq(lo.Map(candidates, func(n *node, _ int) string { return n.handle.Host() }))

		var best []*node
		for _, host := range hosts {
			group := groups[host]
			if len(group) >= criteria.Count {
				return group[:criteria.Count]
			}
			if len(group) > len(best) {
				best = group
			}
		}
		return best

	case TopologyDifferentHosts:
		return lo.Slice(lo.UniqBy(candidates, func(n *node) string { return n.handle.Host() }), 0, criteria.Count)

	default:
		return lo.Slice(candidates, 0, criteria.Count)
	}
}
