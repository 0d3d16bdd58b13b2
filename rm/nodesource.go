package rm

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gammadia/warden/infrastructure"
	"github.com/gammadia/warden/policy"
	"github.com/samber/lo"
)

// DefaultNodeSource receives the nodes added without naming a node source.
// It is created on first use.
const DefaultNodeSource = "Default"

type NodeSourceStatus string

const (
	NodeSourceDefined   NodeSourceStatus = "defined"
	NodeSourceDeploying NodeSourceStatus = "deploying"
	NodeSourceDeployed  NodeSourceStatus = "deployed"
	NodeSourceRemoving  NodeSourceStatus = "removing"
	NodeSourceRemoved   NodeSourceStatus = "removed"
)

type NodeSourceDefinition struct {
	Name                 string        `json:"name" yaml:"name"`
	Infrastructure       string        `json:"infrastructure" yaml:"infrastructure"`
	InfrastructureParams []string      `json:"infrastructure-params,omitempty" yaml:"infrastructure-params,omitempty"`
	Policy               string        `json:"policy" yaml:"policy"`
	PolicyParams         []string      `json:"policy-params,omitempty" yaml:"policy-params,omitempty"`
	Recoverable          bool          `json:"recoverable" yaml:"recoverable"`
	Administrator        string        `json:"administrator,omitempty" yaml:"administrator,omitempty"`
	PingFrequency        time.Duration `json:"ping-frequency,omitempty" yaml:"ping-frequency,omitempty"`
}

func (d NodeSourceDefinition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	if d.Infrastructure == "" {
		return fmt.Errorf("%w: infrastructure of '%s' is required", ErrInvalidDefinition, d.Name)
	}
	if d.Policy == "" {
		return fmt.Errorf("%w: policy of '%s' is required", ErrInvalidDefinition, d.Name)
	}
	if d.PingFrequency < 0 {
		return fmt.Errorf("%w: ping frequency of '%s' must not be negative", ErrInvalidDefinition, d.Name)
	}
	return nil
}

// NodeSourceInfo is a snapshot of a node source.
type NodeSourceInfo struct {
	Definition     NodeSourceDefinition `json:"definition"`
	Status         NodeSourceStatus     `json:"status"`
	Infrastructure string               `json:"infrastructure"`
	Policy         string               `json:"policy"`
	PingFrequency  time.Duration        `json:"ping-frequency"`
	Nodes          int                  `json:"nodes"`
	Pending        int                  `json:"pending"`
}

type nodeSource struct {
	definition NodeSourceDefinition
	status     NodeSourceStatus
	infra      infrastructure.Infrastructure
	policy     policy.Policy
	log        *slog.Logger

	nodes map[uint64]*node
	// pending counts acquisitions requested and not yet resolved
	pending int
	// cancelled counts acquisitions still in flight whose nodes are refused
	cancelled int

	monitor       *monitor
	pingFrequency time.Duration
	preemptive    bool

	// releasing tracks the node releases in flight
	releasing sync.WaitGroup
}

func (s *nodeSource) info() NodeSourceInfo {
	return NodeSourceInfo{
		Definition:     s.definition,
		Status:         s.status,
		Infrastructure: s.infra.Describe(),
		Policy:         s.policy.Describe(),
		PingFrequency:  s.pingFrequency,
		Nodes:          len(s.nodes),
		Pending:        s.pending,
	}
}

func (s *nodeSource) sortedNodes() []*node {
	nodes := lo.Values(s.nodes)
	slices.SortFunc(nodes, func(a, b *node) int {
		return cmp.Compare(a.instance, b.instance)
	})
	return nodes
}

// DefineNodeSource stores a node source without deploying it.
func (c *Core) DefineNodeSource(definition NodeSourceDefinition) error {
	source, err := c.buildNodeSource(definition)
	if err != nil {
		return err
	}

	if err := c.addNodeSource(source); err != nil {
		c.discardNodeSource(source)
		return err
	}

	return nil
}

// DeployNodeSource starts the infrastructure and activates the policy of a
// defined node source. A node source whose policy cannot be activated is
// removed.
func (c *Core) DeployNodeSource(name string) error {
	var source *nodeSource
	var opErr error
	if err := c.do(func() { source, opErr = c.startDeployment(name) }); err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}

	if err := source.policy.Activate(&controller{core: c, source: source}); err != nil {
		_ = c.RemoveNodeSource(name, true)
		return fmt.Errorf("failed to activate policy of node source '%s': %w", name, err)
	}

	return c.do(func() {
		if source.status == NodeSourceDeploying {
			c.setNodeSourceStatus(source, NodeSourceDeployed)
		}
	})
}

// CreateNodeSource defines and deploys a node source. When deployment fails,
// nothing stays defined.
func (c *Core) CreateNodeSource(definition NodeSourceDefinition) error {
	if err := c.DefineNodeSource(definition); err != nil {
		return err
	}

	if err := c.DeployNodeSource(definition.Name); err != nil {
		if !errors.Is(err, ErrUnknownNodeSource) {
			_ = c.RemoveNodeSource(definition.Name, true)
		}
		return err
	}
	return nil
}

// RemoveNodeSource removes a node source. A preemptive removal drops every
// node at once. Otherwise busy nodes are marked to be removed and the node
// source lingers in the removing status until they are released.
func (c *Core) RemoveNodeSource(name string, preemptive bool) error {
	var opErr error
	if err := c.do(func() {
		source, ok := c.sources[name]
		if !ok {
			opErr = fmt.Errorf("%w '%s'", ErrUnknownNodeSource, name)
			return
		}
		c.removeNodeSource(source, preemptive)
	}); err != nil {
		return err
	}
	return opErr
}

// RemoveNodes removes up to count nodes of a node source, down and free ones
// first. It returns the number of nodes removed or marked to be removed.
func (c *Core) RemoveNodes(name string, count int, preemptive bool) (int, error) {
	var removed int
	var opErr error
	if err := c.do(func() {
		source, ok := c.sources[name]
		if !ok {
			opErr = fmt.Errorf("%w '%s'", ErrUnknownNodeSource, name)
			return
		}

		rank := map[NodeState]int{NodeStateDown: 0, NodeStateFree: 1, NodeStateLocked: 2, NodeStateBusy: 3, NodeStateToBeRemoved: 4}
		nodes := source.sortedNodes()
		slices.SortStableFunc(nodes, func(a, b *node) int { return rank[a.state] - rank[b.state] })

		event := lo.Ternary(preemptive, eventRemovePreemptive, eventRemoveGraceful)
		for _, n := range nodes {
			if removed >= count {
				break
			}
			if n.state == NodeStateToBeRemoved && !preemptive {
				continue
			}
			if err := c.apply(n, event, nil); err == nil {
				removed++
			}
		}
	}); err != nil {
		return 0, err
	}
	return removed, opErr
}

func (c *Core) SetNodeSourcePingFrequency(name string, frequency time.Duration) error {
	if frequency <= 0 {
		return errors.New("ping frequency must be greater than 0")
	}

	var opErr error
	if err := c.do(func() {
		source, ok := c.sources[name]
		if !ok {
			opErr = fmt.Errorf("%w '%s'", ErrUnknownNodeSource, name)
			return
		}
		source.pingFrequency = frequency
		if source.monitor != nil {
			source.monitor.setFrequency(frequency)
		}
	}); err != nil {
		return err
	}
	return opErr
}

func (c *Core) NodeSourcePingFrequency(name string) (time.Duration, error) {
	var frequency time.Duration
	var opErr error
	if err := c.do(func() {
		source, ok := c.sources[name]
		if !ok {
			opErr = fmt.Errorf("%w '%s'", ErrUnknownNodeSource, name)
			return
		}
		frequency = source.pingFrequency
	}); err != nil {
		return 0, err
	}
	return frequency, opErr
}

func (c *Core) NodeSources() ([]NodeSourceInfo, error) {
	var infos []NodeSourceInfo
	err := c.do(func() { infos = c.nodeSourceInfos() })
	return infos, err
}

func (c *Core) nodeSourceInfos() []NodeSourceInfo {
	infos := lo.MapToSlice(c.sources, func(_ string, source *nodeSource) NodeSourceInfo {
		return source.info()
	})
	slices.SortFunc(infos, func(a, b NodeSourceInfo) int {
		return strings.Compare(a.Definition.Name, b.Definition.Name)
	})
	return infos
}

// buildNodeSource instantiates the infrastructure and policy of a
// definition. It runs outside of the core goroutine: back-ends may contact
// remote services while being configured.
func (c *Core) buildNodeSource(definition NodeSourceDefinition) (*nodeSource, error) {
	if err := definition.Validate(); err != nil {
		return nil, err
	}

	logger := c.log.With("node-source", definition.Name)

	infra, err := c.config.Infrastructures.New(definition.Infrastructure, definition.InfrastructureParams, logger.With("component", "infrastructure"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}

	pol, err := c.config.Policies.New(definition.Policy, definition.PolicyParams, logger.With("component", "policy"))
	if err != nil {
		infra.Shutdown()
		return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}

	pingFrequency := definition.PingFrequency
	if pingFrequency == 0 {
		pingFrequency = c.config.PingFrequency
	}

	return &nodeSource{
		definition:    definition,
		status:        NodeSourceDefined,
		infra:         infra,
		policy:        pol,
		log:           logger,
		nodes:         map[uint64]*node{},
		pingFrequency: pingFrequency,
	}, nil
}

func (c *Core) discardNodeSource(source *nodeSource) {
	source.policy.Shutdown()
	source.infra.Shutdown()
}

func (c *Core) addNodeSource(source *nodeSource) error {
	name := source.definition.Name

	var opErr error
	if err := c.do(func() {
		if c.shuttingDown {
			opErr = ErrShuttingDown
			return
		}
		if _, ok := c.sources[name]; ok {
			opErr = fmt.Errorf("%w: '%s'", ErrNodeSourceExists, name)
			return
		}

		c.sources[name] = source
		source.log.Info("Node source defined", "infrastructure", source.definition.Infrastructure, "policy", source.definition.Policy)
		c.bus.publish(EventNodeSourceCreated{NodeSource: source.info()})

		if source.definition.Recoverable {
			definition := source.definition
			c.persist("save node source", func(ctx context.Context, store Store) error {
				return store.SaveNodeSource(ctx, definition)
			})
		}
	}); err != nil {
		return err
	}
	return opErr
}

func (c *Core) startDeployment(name string) (*nodeSource, error) {
	source, ok := c.sources[name]
	if !ok {
		return nil, fmt.Errorf("%w '%s'", ErrUnknownNodeSource, name)
	}
	if source.status != NodeSourceDefined {
		return nil, fmt.Errorf("%w: node source '%s' is %s", ErrIllegalTransition, name, source.status)
	}

	c.setNodeSourceStatus(source, NodeSourceDeploying)
	source.infra.Start(&registrar{core: c, source: source})
	source.monitor = c.startMonitor(source)
	return source, nil
}

func (c *Core) setNodeSourceStatus(source *nodeSource, status NodeSourceStatus) {
	source.status = status
	source.log.Info("Node source status updated", "status", status)
	c.bus.publish(EventNodeSourceStatusUpdated{NodeSource: source.definition.Name, Status: status})
}

// current reports whether source is still registered and accepting nodes.
func (c *Core) current(source *nodeSource) bool {
	return c.sources[source.definition.Name] == source && source.status != NodeSourceRemoving
}

func (c *Core) acquire(source *nodeSource, count int) {
	if count <= 0 {
		return
	}
	source.pending += count
	source.infra.AcquireNodes(count)
}

func (c *Core) removeNodeSource(source *nodeSource, preemptive bool) {
	if source.status == NodeSourceRemoving {
		if !preemptive || source.preemptive {
			return
		}
	} else {
		c.setNodeSourceStatus(source, NodeSourceRemoving)
		source.infra.Shutdown()
		c.background(source.policy.Shutdown)
	}
	source.preemptive = source.preemptive || preemptive

	event := lo.Ternary(preemptive, eventRemovePreemptive, eventRemoveGraceful)
	for _, n := range source.sortedNodes() {
		_ = c.apply(n, event, nil)
	}

	c.finalizeNodeSource(source)
}

// finalizeNodeSource purges a removing node source once it owns no node.
func (c *Core) finalizeNodeSource(source *nodeSource) {
	if source.status != NodeSourceRemoving || len(source.nodes) > 0 {
		return
	}
	name := source.definition.Name
	if c.sources[name] != source {
		return
	}

	delete(c.sources, name)
	if source.monitor != nil {
		source.monitor.stop()
	}
	source.status = NodeSourceRemoved
	c.background(func() {
		source.releasing.Wait()
		source.infra.Wait()
	})

	source.log.Info("Node source removed")
	c.bus.publish(EventNodeSourceStatusUpdated{NodeSource: name, Status: NodeSourceRemoved})
	c.bus.publish(EventNodeSourceRemoved{NodeSource: name})

	if source.definition.Recoverable && !c.shuttingDown {
		c.persist("delete node source", func(ctx context.Context, store Store) error {
			return store.DeleteNodeSource(ctx, name)
		})
	}
}

// shutdownNodeSource stops a node source when the core stops. Nodes of
// recoverable node sources are left running so they can be recovered.
func (c *Core) shutdownNodeSource(source *nodeSource) {
	if !source.definition.Recoverable {
		c.removeNodeSource(source, true)
		return
	}

	source.log.Info("Keeping nodes of recoverable node source", "nodes", len(source.nodes))
	for _, n := range source.nodes {
		c.forgetNode(n)
	}
	if source.status != NodeSourceRemoving {
		source.status = NodeSourceRemoving
		source.infra.Shutdown()
		c.background(source.policy.Shutdown)
	}
	c.finalizeNodeSource(source)
}

// ensureDefaultNodeSource creates DefaultNodeSource if needed.
func (c *Core) ensureDefaultNodeSource() error {
	var exists bool
	if err := c.do(func() { _, exists = c.sources[DefaultNodeSource] }); err != nil {
		return err
	}
	if exists {
		return nil
	}

	// A concurrent AddNode may have created it in the meantime
	err := c.CreateNodeSource(NodeSourceDefinition{
		Name:           DefaultNodeSource,
		Infrastructure: infrastructure.DefaultKind,
		Policy:         policy.StaticKind,
		PolicyParams:   []string{policy.All, policy.All},
	})
	if errors.Is(err, ErrNodeSourceExists) {
		return nil
	}
	return err
}

// registrar receives the nodes deployed by the infrastructure of a source.
type registrar struct {
	core   *Core
	source *nodeSource
}

// registrar implements infrastructure.Registrar
var _ infrastructure.Registrar = (*registrar)(nil)

func (r *registrar) Register(handle infrastructure.Node) error {
	var opErr error
	if err := r.core.do(func() {
		if r.source.cancelled > 0 {
			r.source.cancelled--
			opErr = fmt.Errorf("%w: acquisition of node '%s' was cancelled", ErrIllegalTransition, handle.URL())
			return
		}
		r.source.pending = max(r.source.pending-1, 0)
		_, opErr = r.core.register(r.source, handle, r.source.definition.Administrator)
	}); err != nil {
		return err
	}
	return opErr
}

func (r *registrar) AcquisitionFailed(err error) {
	_ = r.core.do(func() {
		if r.source.cancelled > 0 {
			r.source.cancelled--
			r.source.log.Debug("Cancelled node acquisition failed", "error", err)
			return
		}
		r.source.pending = max(r.source.pending-1, 0)
		r.source.log.Warn("Node acquisition failed", "error", err)
		r.core.bus.publish(EventNodeAcquisitionFailed{NodeSource: r.source.definition.Name, Error: err.Error()})
	})
}

// controller lets the policy of a source drive it.
type controller struct {
	core   *Core
	source *nodeSource
}

// controller implements policy.Controller
var _ policy.Controller = (*controller)(nil)

func (ctl *controller) run(command string, f func()) {
	err := ctl.core.do(func() {
		if !ctl.core.current(ctl.source) {
			ctl.source.log.Debug("Ignoring policy command for removed node source", "command", command)
			return
		}
		f()
	})
	if err != nil {
		ctl.source.log.Debug("Ignoring policy command", "command", command, "error", err)
	}
}

func (ctl *controller) AcquireNodes(n int) {
	ctl.run("acquire", func() { ctl.core.acquire(ctl.source, n) })
}

func (ctl *controller) AcquireAllNodes() {
	ctl.run("acquire all", func() {
		missing := ctl.source.infra.TargetNodes() - len(ctl.source.nodes) - ctl.source.pending
		ctl.core.acquire(ctl.source, missing)
	})
}

func (ctl *controller) RemoveAllNodes(preemptive bool) {
	ctl.run("remove all", func() {
		// Nodes still being acquired are released as soon as they arrive
		if ctl.source.pending > 0 {
			ctl.source.log.Info("Cancelling pending node acquisitions", "count", ctl.source.pending)
			ctl.source.cancelled += ctl.source.pending
			ctl.source.pending = 0
		}

		event := lo.Ternary(preemptive, eventRemovePreemptive, eventRemoveGraceful)
		for _, n := range ctl.source.sortedNodes() {
			_ = ctl.core.apply(n, event, nil)
		}
	})
}

func (ctl *controller) RestartDownNode(ref policy.NodeRef) {
	ctl.run("restart", func() {
		n, ok := ctl.core.nodes[ref.Instance]
		if !ok || n.source != ctl.source || n.url() != ref.URL || n.state != NodeStateDown {
			ctl.source.log.Debug("Node is no longer down, not restarting it", "node", ref.URL)
			return
		}

		ctl.source.log.Info("Restarting down node", "node", ref.URL)
		ctl.source.pending++
		infra := ctl.source.infra
		ctl.core.removeNode(n, func() { infra.AcquireNodes(1) })
	})
}
