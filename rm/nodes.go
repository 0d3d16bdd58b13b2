package rm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gammadia/warden/infrastructure"
	"github.com/samber/lo"
)

// AddNode registers an already running node into a node source on behalf of
// a client. An empty node source name means DefaultNodeSource.
func (c *Core) AddNode(ctx context.Context, id ClientID, url string, sourceName string) (NodeInfo, error) {
	if sourceName == "" {
		sourceName = DefaultNodeSource
	}
	if sourceName == DefaultNodeSource {
		if err := c.ensureDefaultNodeSource(); err != nil {
			return NodeInfo{}, fmt.Errorf("failed to create node source '%s': %w", DefaultNodeSource, err)
		}
	}

	var source *nodeSource
	var provider string
	var opErr error
	if err := c.do(func() {
		var cl *client
		if cl, opErr = c.touchClient(id); opErr != nil {
			return
		}

		var ok bool
		if source, ok = c.sources[sourceName]; !ok {
			opErr = fmt.Errorf("%w '%s'", ErrUnknownNodeSource, sourceName)
			return
		}
		if source.status == NodeSourceRemoving {
			opErr = fmt.Errorf("%w: node source '%s' is being removed", ErrIllegalTransition, sourceName)
			return
		}
		if !source.policy.Access().Providers.Allows(cl.name, source.definition.Administrator) {
			opErr = fmt.Errorf("%w: '%s' may not add nodes to '%s'", ErrAccessDenied, cl.name, sourceName)
			return
		}
		if opErr = c.checkNotRegistered(url); opErr != nil {
			return
		}
		provider = cl.name
	}); err != nil {
		return NodeInfo{}, err
	}
	if opErr != nil {
		return NodeInfo{}, opErr
	}

	handle, err := source.infra.LookupNode(ctx, url)
	if err != nil {
		return NodeInfo{}, fmt.Errorf("failed to lookup node '%s': %w", url, err)
	}

	var info NodeInfo
	if err := c.do(func() { info, opErr = c.register(source, handle, provider) }); err != nil {
		opErr = err
	}
	if opErr != nil {
		if closer, ok := handle.(io.Closer); ok {
			_ = closer.Close()
		}
		return NodeInfo{}, opErr
	}
	return info, nil
}

// RemoveNode removes a node by URL. Busy nodes are only marked to be removed
// unless preemptive is set. Removing an unknown node is a no-op.
func (c *Core) RemoveNode(url string, preemptive bool) error {
	return c.do(func() {
		instances := c.byURL[url]
		if len(instances) == 0 {
			return
		}

		newest := instances[len(instances)-1]
		for _, shadowed := range instances[:len(instances)-1] {
			c.removeNode(shadowed, nil)
		}
		_ = c.apply(newest, lo.Ternary(preemptive, eventRemovePreemptive, eventRemoveGraceful), nil)
	})
}

// ReleaseNode gives a node back to the resource manager.
func (c *Core) ReleaseNode(id ClientID, url string) error {
	return c.ReleaseNodes(id, []string{url})
}

// ReleaseNodes gives nodes back to the resource manager. Every node is
// handled independently: the returned error joins the failures.
func (c *Core) ReleaseNodes(id ClientID, urls []string) error {
	var opErr error
	if err := c.do(func() {
		cl, err := c.touchClient(id)
		if err != nil {
			opErr = err
			return
		}

		var errs []error
		for _, url := range urls {
			n := c.newest(url)
			if n == nil {
				errs = append(errs, fmt.Errorf("%w: node '%s' is unknown", ErrNotOwner, url))
				continue
			}
			if (n.state == NodeStateBusy || n.state == NodeStateToBeRemoved) && n.owner != cl {
				errs = append(errs, fmt.Errorf("%w: node '%s' belongs to '%s'", ErrNotOwner, url, n.owner.name))
				continue
			}
			if err := c.apply(n, eventRelease, nil); err != nil {
				errs = append(errs, err)
			}
		}
		opErr = errors.Join(errs...)
	}); err != nil {
		return err
	}
	return opErr
}

// LockNodes keeps free nodes from being handed out. Either every node is
// locked or none is.
func (c *Core) LockNodes(id ClientID, urls []string) error {
	return c.lockOrUnlock(id, urls, eventLock)
}

// UnlockNodes makes locked nodes free again. Either every node is unlocked or
// none is.
func (c *Core) UnlockNodes(id ClientID, urls []string) error {
	return c.lockOrUnlock(id, urls, eventUnlock)
}

func (c *Core) lockOrUnlock(id ClientID, urls []string, event nodeEvent) error {
	var opErr error
	if err := c.do(func() {
		cl, err := c.touchClient(id)
		if err != nil {
			opErr = err
			return
		}

		nodes := make([]*node, 0, len(urls))
		for _, url := range urls {
			n := c.newest(url)
			if n == nil {
				opErr = fmt.Errorf("%w '%s'", ErrUnknownNode, url)
				return
			}
			if _, out := transition(n.state, event); out == outcomeReject {
				opErr = fmt.Errorf("%w: cannot %s %s node '%s'", ErrIllegalTransition, event, n.state, url)
				return
			}
			nodes = append(nodes, n)
		}

		for _, n := range nodes {
			_ = c.apply(n, event, func() {
				if event == eventLock {
					n.lockedBy = cl.name
				}
			})
		}
	}); err != nil {
		return err
	}
	return opErr
}

// NodeState returns the newest instance of a node.
func (c *Core) NodeState(url string) (NodeInfo, error) {
	var info NodeInfo
	var opErr error
	if err := c.do(func() {
		n := c.newest(url)
		if n == nil {
			opErr = fmt.Errorf("%w '%s'", ErrUnknownNode, url)
			return
		}
		info = n.info()
	}); err != nil {
		return NodeInfo{}, err
	}
	return info, opErr
}

func (c *Core) newest(url string) *node {
	instances := c.byURL[url]
	if len(instances) == 0 {
		return nil
	}
	return instances[len(instances)-1]
}

// checkNotRegistered refuses a URL whose newest instance is still alive. A
// down instance may be shadowed by a new registration.
func (c *Core) checkNotRegistered(url string) error {
	if n := c.newest(url); n != nil && n.state != NodeStateDown {
		return fmt.Errorf("%w: node '%s' is already registered in '%s'", ErrIllegalTransition, url, n.source.definition.Name)
	}
	return nil
}

// register indexes a node as a new free instance.
func (c *Core) register(source *nodeSource, handle infrastructure.Node, provider string) (NodeInfo, error) {
	url := handle.URL()

	switch {
	case c.shuttingDown:
		return NodeInfo{}, ErrShuttingDown
	case !c.current(source):
		return NodeInfo{}, fmt.Errorf("%w: node source '%s' is being removed", ErrIllegalTransition, source.definition.Name)
	case c.config.MaxNodes > 0 && len(c.nodes) >= c.config.MaxNodes:
		return NodeInfo{}, fmt.Errorf("%w: %d", ErrTooManyNodes, c.config.MaxNodes)
	}
	if err := c.checkNotRegistered(url); err != nil {
		return NodeInfo{}, err
	}

	c.nextInstance++
	n := &node{
		instance:   c.nextInstance,
		handle:     handle,
		provider:   provider,
		source:     source,
		state:      NodeStateFree,
		stateSince: time.Now(),
	}
	if len(c.byURL[url]) > 0 {
		source.log.Info("Node is back, shadowing its down instance", "node", url)
	}
	c.nodes[n.instance] = n
	c.byURL[url] = append(c.byURL[url], n)
	source.nodes[n.instance] = n

	source.log.Info("Node added", "node", url, "instance", n.instance, "provider", provider)
	info := n.info()
	c.bus.publish(EventNodeAdded{Node: info})
	c.bus.publish(EventNodeStateChanged{Node: info})

	if source.definition.Recoverable {
		name := source.definition.Name
		c.persist("save node", func(ctx context.Context, store Store) error {
			return store.SaveNode(ctx, name, url)
		})
	}
	return info, nil
}

// apply feeds an event to the state machine of a node. prepare runs right
// before a state change is committed.
func (c *Core) apply(n *node, event nodeEvent, prepare func()) error {
	next, out := transition(n.state, event)
	switch out {
	case outcomeReject:
		return fmt.Errorf("%w: cannot %s %s node '%s'", ErrIllegalTransition, event, n.state, n.url())
	case outcomeNoop:
		return nil
	case outcomeRemove:
		c.removeNode(n, nil)
		return nil
	}

	if prepare != nil {
		prepare()
	}
	switch next {
	case NodeStateFree:
		n.owner = nil
		n.lockedBy = ""
	case NodeStateToBeRemoved:
		n.removalRequested = true
	}

	previous := n.state
	n.state = next
	n.stateSince = time.Now()
	n.source.log.Debug("Node state changed", "node", n.url(), "from", previous, "to", next, "event", event)
	c.bus.publish(EventNodeStateChanged{Node: n.info(), Previous: previous})

	if next == NodeStateDown {
		if n.removalRequested || n.source.status == NodeSourceRemoving {
			c.removeNode(n, nil)
			return nil
		}
		n.source.policy.NodeDown(n.ref())
	}
	return nil
}

// removeNode takes a node out of the index and releases it in the
// background. then runs once the infrastructure has released it.
func (c *Core) removeNode(n *node, then func()) {
	source := n.source
	url := n.url()

	c.unindex(n)
	source.log.Info("Node removed", "node", url, "instance", n.instance, "state", n.state)
	c.bus.publish(EventNodeRemoved{Node: n.info()})

	handle := n.handle
	source.releasing.Add(1)
	submitted := c.releases.Submit(func() {
		defer source.releasing.Done()

		ctx, cancel := context.WithTimeout(context.Background(), c.config.ReleaseTimeout)
		defer cancel()

		if err := source.infra.ReleaseNode(ctx, handle); err != nil {
			source.log.Warn("Failed to release node", "node", url, "error", err)
		}
		if then != nil {
			then()
		}
	})
	if !submitted {
		source.releasing.Done()
	}

	if source.definition.Recoverable && !c.shuttingDown && c.newest(url) == nil {
		name := source.definition.Name
		c.persist("delete node", func(ctx context.Context, store Store) error {
			return store.DeleteNode(ctx, name, url)
		})
	}

	c.finalizeNodeSource(source)
}

// forgetNode drops a node from the index and leaves it running.
func (c *Core) forgetNode(n *node) {
	c.unindex(n)
	if closer, ok := n.handle.(io.Closer); ok {
		_ = closer.Close()
	}
}

func (c *Core) unindex(n *node) {
	url := n.url()
	delete(c.nodes, n.instance)
	delete(n.source.nodes, n.instance)

	c.byURL[url] = lo.Without(c.byURL[url], n)
	if len(c.byURL[url]) == 0 {
		delete(c.byURL, url)
	}
}
