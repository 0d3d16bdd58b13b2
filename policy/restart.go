package policy

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type RestartDownNodesConfig struct {
	Access Access
	Logger *slog.Logger
	// Delay between a node going down and its replacement.
	Delay time.Duration
}

// RestartDownNodes acquires every node on activation, then replaces each
// node that goes down once Delay has elapsed.
type RestartDownNodes struct {
	base
	config RestartDownNodesConfig

	mutex    sync.Mutex
	ctl      Controller
	pending  map[NodeRef]*time.Timer
	shutdown bool
	wg       sync.WaitGroup
}

// RestartDownNodes implements Policy
var _ Policy = (*RestartDownNodes)(nil)

func NewRestartDownNodes(config RestartDownNodesConfig) *RestartDownNodes {
	return &RestartDownNodes{
		base:    newBase(config.Access, config.Logger),
		config:  config,
		pending: map[NodeRef]*time.Timer{},
	}
}

func (p *RestartDownNodes) Describe() string {
	return fmt.Sprintf("restart down nodes after %s, %s", p.config.Delay, p.access)
}

func (p *RestartDownNodes) Activate(ctl Controller) error {
	p.mutex.Lock()
	p.ctl = ctl
	p.mutex.Unlock()

	ctl.AcquireAllNodes()
	return nil
}

func (p *RestartDownNodes) NodeDown(ref NodeRef) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.shutdown || p.ctl == nil {
		return
	}
	if _, ok := p.pending[ref]; ok {
		return
	}

	p.log.Info("Node is down, scheduling its replacement", "node", ref.URL, "delay", p.config.Delay)

	ctl := p.ctl
	p.wg.Add(1)
	p.pending[ref] = time.AfterFunc(p.config.Delay, func() {
		defer p.wg.Done()

		p.mutex.Lock()
		_, ok := p.pending[ref]
		delete(p.pending, ref)
		p.mutex.Unlock()

		if ok {
			ctl.RestartDownNode(ref)
		}
	})
}

// Pending returns the number of replacements waiting for their delay.
func (p *RestartDownNodes) Pending() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.pending)
}

func (p *RestartDownNodes) Shutdown() {
	p.mutex.Lock()
	p.shutdown = true
	for ref, timer := range p.pending {
		if timer.Stop() {
			p.wg.Done()
		}
		delete(p.pending, ref)
	}
	p.mutex.Unlock()

	p.wg.Wait()
}
