package rm

import (
	"context"
	"sync"
	"time"

	"github.com/gammadia/warden/infrastructure"
	"golang.org/x/sync/errgroup"
)

// monitor pings the alive nodes of a node source and reports those that do
// not answer.
type monitor struct {
	core      *Core
	source    *nodeSource
	frequency chan time.Duration
	quit      chan struct{}
	once      sync.Once
}

type pingTarget struct {
	instance uint64
	handle   infrastructure.Node
}

// startMonitor must be called from the core goroutine.
func (c *Core) startMonitor(source *nodeSource) *monitor {
	m := &monitor{
		core:      c,
		source:    source,
		frequency: make(chan time.Duration, 1),
		quit:      make(chan struct{}),
	}
	frequency := source.pingFrequency
	c.background(func() { m.run(frequency) })
	return m
}

// setFrequency replaces any frequency not yet picked up by the monitor.
func (m *monitor) setFrequency(frequency time.Duration) {
	for {
		select {
		case m.frequency <- frequency:
			return
		default:
		}
		select {
		case <-m.frequency:
		default:
		}
	}
}

func (m *monitor) stop() {
	m.once.Do(func() { close(m.quit) })
}

func (m *monitor) run(frequency time.Duration) {
	ticker := time.NewTicker(frequency)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.check()
		case frequency = <-m.frequency:
			ticker.Reset(frequency)
		case <-m.quit:
			return
		case <-m.core.stop:
			return
		}
	}
}

func (m *monitor) check() {
	var targets []pingTarget
	if err := m.core.do(func() {
		for _, n := range m.source.nodes {
			if n.state != NodeStateDown {
				targets = append(targets, pingTarget{instance: n.instance, handle: n.handle})
			}
		}
	}); err != nil {
		return
	}

	var g errgroup.Group
	g.SetLimit(m.core.config.PingConcurrency)
	for _, target := range targets {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), m.core.config.PingTimeout)
			defer cancel()

			if err := target.handle.Ping(ctx); err != nil {
				m.core.nodeFailed(target.instance, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// nodeFailed marks a node down after a failed health check.
func (c *Core) nodeFailed(instance uint64, cause error) {
	_ = c.do(func() {
		n, ok := c.nodes[instance]
		if !ok || n.state == NodeStateDown {
			return
		}
		n.source.log.Warn("Node is down", "node", n.url(), "instance", instance, "error", cause)
		_ = c.apply(n, eventHealthFail, nil)
	})
}
