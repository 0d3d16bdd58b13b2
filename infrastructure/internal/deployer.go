package internal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gammadia/warden/infrastructure"
	"github.com/gammadia/warden/internal/workers"
)

// Acquirer is the back-end specific half of a deploying infrastructure.
type Acquirer interface {
	// Reserve picks the placement of one more node (a host, a server name...).
	Reserve() string
	// Unreserve gives back a placement whose node is gone or was never deployed.
	Unreserve(target string)
	// Deploy makes one attempt at starting a node on target.
	Deploy(ctx context.Context, target string) (infrastructure.Node, error)
	// Teardown stops a node previously returned by Deploy.
	Teardown(ctx context.Context, node infrastructure.Node) error
}

// Deployer runs acquisitions on a bounded worker pool, retrying each one
// according to the infrastructure configuration. Back-ends embed it and
// provide an Acquirer.
type Deployer struct {
	config   infrastructure.Config
	acquirer Acquirer
	log      *slog.Logger
	pool     *workers.Pool

	ctx    context.Context
	cancel context.CancelFunc

	mutex     sync.Mutex
	registrar infrastructure.Registrar
	targets   map[string]string
}

func NewDeployer(config infrastructure.Config, acquirer Acquirer) *Deployer {
	ctx, cancel := context.WithCancel(context.Background())

	logger := config.Logger
	if logger == nil {
		logger = infrastructure.DefaultConfig().Logger
	}

	return &Deployer{
		config:   config,
		acquirer: acquirer,
		log:      logger,
		pool:     workers.NewPool(config.Workers),

		ctx:    ctx,
		cancel: cancel,

		targets: map[string]string{},
	}
}

func (d *Deployer) Config() infrastructure.Config {
	return d.config
}

func (d *Deployer) Start(registrar infrastructure.Registrar) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.registrar = registrar
}

func (d *Deployer) TargetNodes() int {
	return d.config.Nodes
}

func (d *Deployer) AcquireNodes(n int) {
	for i := 0; i < n; i++ {
		target := d.acquirer.Reserve()
		if !d.pool.Submit(func() { d.deploy(target) }) {
			d.acquirer.Unreserve(target)
			d.log.Debug("Infrastructure is shut down, ignoring acquisition", "target", target)
			return
		}
	}
}

func (d *Deployer) ReleaseNode(ctx context.Context, node infrastructure.Node) error {
	d.mutex.Lock()
	target, ok := d.targets[node.URL()]
	delete(d.targets, node.URL())
	d.mutex.Unlock()

	err := d.acquirer.Teardown(ctx, node)
	if ok {
		d.acquirer.Unreserve(target)
	}
	if err != nil {
		return fmt.Errorf("failed to release node '%s': %w", node.URL(), err)
	}
	return nil
}

// Adopt tracks a node that was not deployed by this deployer, such as a
// recovered one. The acquirer must already count target as reserved.
func (d *Deployer) Adopt(node infrastructure.Node, target string) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.targets[node.URL()] = target
}

// Deployed returns the number of nodes deployed and not yet released.
func (d *Deployer) Deployed() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.targets)
}

func (d *Deployer) Shutdown() {
	d.cancel()
	d.pool.Close()
}

func (d *Deployer) Wait() {
	d.pool.Wait()
}

func (d *Deployer) deploy(target string) {
	log := d.log.With("target", target)
	log.Debug("Deploying node")

	policy := RetryPolicy{
		Attempts: d.config.Attempts,
		Delay:    d.config.RetryDelay,
		OnRetry: func(attempt int, err error) {
			log.Warn("Node deployment failed, retrying", "attempt", attempt, "delay", d.config.RetryDelay, "error", err)
		},
	}

	node, err := RetryResultWithPolicy(d.ctx, policy, func(ctx context.Context) (infrastructure.Node, error) {
		ctx, cancel := context.WithTimeout(ctx, d.config.DeployTimeout)
		defer cancel()
		return d.acquirer.Deploy(ctx, target)
	})
	if err != nil {
		d.acquirer.Unreserve(target)
		if d.ctx.Err() != nil {
			log.Debug("Node deployment cancelled")
			return
		}

		log.Error("Node deployment failed", "error", err)
		if registrar := d.currentRegistrar(); registrar != nil {
			registrar.AcquisitionFailed(fmt.Errorf("failed to deploy node on '%s': %w", target, err))
		}
		return
	}

	d.mutex.Lock()
	d.targets[node.URL()] = target
	registrar := d.registrar
	d.mutex.Unlock()

	if d.ctx.Err() != nil {
		log.Info("Node deployed after shutdown, releasing it", "node", node.URL())
		d.discard(node)
		return
	}

	if registrar == nil {
		log.Error("Node deployed before the infrastructure was started, releasing it", "node", node.URL())
		d.discard(node)
		return
	}

	if err := registrar.Register(node); err != nil {
		log.Info("Node registration refused, releasing it", "node", node.URL(), "error", err)
		d.discard(node)
		return
	}

	log.Info("Node deployed", "node", node.URL())
}

func (d *Deployer) discard(node infrastructure.Node) {
	if err := d.ReleaseNode(context.Background(), node); err != nil {
		d.log.Warn("Failed to release discarded node", "node", node.URL(), "error", err)
	}
}

func (d *Deployer) currentRegistrar() infrastructure.Registrar {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.registrar
}
